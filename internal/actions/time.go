package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/conductor/pkg/schema"
)

const timeNowInputSchema = `{
  "type": "object",
  "properties": {
    "zone": {"type": "string"}
  }
}`

type timeNowAction struct {
	now func() time.Time
}

func (a *timeNowAction) Name() string { return "time.now" }

func (a *timeNowAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Current date and time, optionally in an IANA zone such as Europe/Lisbon",
		InputSchema: json.RawMessage(timeNowInputSchema),
	}
}

func (a *timeNowAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	now := a.now()
	if zone := stringParam(input.Params, "zone", ""); zone != "" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "time.now: unknown zone %q", zone).WithCause(err)
		}
		now = now.In(loc)
	}
	return &ActionOutput{
		Result: now.Format(time.RFC3339),
		Data: map[string]any{
			"iso":     now.Format(time.RFC3339),
			"date":    now.Format(time.DateOnly),
			"time":    now.Format(time.TimeOnly),
			"weekday": now.Weekday().String(),
			"zone":    now.Location().String(),
			"unix":    now.Unix(),
		},
	}, nil
}
