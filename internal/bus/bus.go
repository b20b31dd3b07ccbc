package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"payment-gateway/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// subjectPattern matches every processor status subject.
const subjectPattern = "processor.*.status"

// HealthChannel fans processor health out from the probing leader to
// every follower instance. Delivery is at most once; followers converge
// on the next probe tick, so lost messages are acceptable. Per-subject
// ordering must be preserved.
type HealthChannel interface {
	// Publish sends the state of the processor at the given slot index.
	Publish(ctx context.Context, index int, state model.ProcessorState) error
	// Subscribe delivers every received state update to fn until the
	// channel is closed. Malformed messages are dropped silently.
	Subscribe(ctx context.Context, fn func(index int, state model.ProcessorState)) error
	// Close tears the channel down.
	Close() error
}

// Subject builds the status subject for a processor slot.
func Subject(index int) string {
	return fmt.Sprintf("processor.%d.status", index)
}

// ParseSubject extracts the processor slot index from a status subject.
// Subjects that do not name a known slot are rejected.
func ParseSubject(subject string) (int, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != "processor" || parts[2] != "status" {
		return 0, fmt.Errorf("not a processor status subject: %q", subject)
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("bad processor index in subject %q: %w", subject, err)
	}
	if index < 0 || index >= model.NumProcessors {
		return 0, fmt.Errorf("unknown processor index %d in subject %q", index, subject)
	}
	return index, nil
}
