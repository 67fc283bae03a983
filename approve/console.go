// Package approve implements the human approval boundary on the terminal.
package approve

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loomctl/loom"
)

var _ loom.Approver = (*Console)(nil)

// Console prompts for approval decisions on an interactive terminal. Exactly
// one review is presented at a time; the engine guarantees no concurrent
// calls by forbidding hitl inside parallel blocks.
type Console struct {
	in  *bufio.Reader
	out io.Writer
}

func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out}
}

func (c *Console) Review(ctx context.Context, req loom.ReviewRequest) (loom.Decision, error) {
	fmt.Fprintf(c.out, "\n--- approval required: step %q ---\n", req.Step)
	fmt.Fprintf(c.out, "%s\n", req.Raw)
	if len(req.Fields) > 0 {
		pretty, err := json.MarshalIndent(req.Fields, "", "  ")
		if err == nil {
			fmt.Fprintf(c.out, "parsed fields:\n%s\n", pretty)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return loom.Decision{}, err
		}
		choices := "[a]ccept  [e]dit  [r]eject"
		if req.Body == loom.BodyPrompt {
			choices += "  [f]eedback"
		} else {
			choices += "  [x] rerun"
		}
		fmt.Fprintf(c.out, "%s > ", choices)

		line, err := c.in.ReadString('\n')
		if err != nil {
			return loom.Decision{}, fmt.Errorf("approval input closed: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "accept":
			return loom.Decision{Action: loom.ActionAccept}, nil
		case "r", "reject":
			return loom.Decision{Action: loom.ActionReject}, nil
		case "e", "edit":
			fields, err := c.readFields()
			if err != nil {
				fmt.Fprintf(c.out, "invalid edit: %v\n", err)
				continue
			}
			return loom.Decision{Action: loom.ActionEdit, Fields: fields}, nil
		case "f", "feedback":
			if req.Body != loom.BodyPrompt {
				fmt.Fprintln(c.out, "feedback applies to prompt steps only")
				continue
			}
			fmt.Fprint(c.out, "feedback > ")
			text, err := c.in.ReadString('\n')
			if err != nil {
				return loom.Decision{}, fmt.Errorf("approval input closed: %w", err)
			}
			return loom.Decision{Action: loom.ActionFeedback, Feedback: strings.TrimSpace(text)}, nil
		case "x", "rerun":
			if req.Body == loom.BodyPrompt {
				fmt.Fprintln(c.out, "rerun applies to bash/python steps only")
				continue
			}
			return loom.Decision{Action: loom.ActionRerun}, nil
		default:
			fmt.Fprintln(c.out, "unrecognized choice")
		}
	}
}

// readFields reads one line of JSON as the replacement fields map.
func (c *Console) readFields() (map[string]any, error) {
	fmt.Fprint(c.out, "replacement fields (JSON object) > ")
	line, err := c.in.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("approval input closed: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
