package workorder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/absmach/shuffler/task"
)

const applySuffix = "apply"

// RequestRef is the decoded form of a request id. Ids are derived from the
// iteration key so republishing the same work order reuses the same id.
type RequestRef struct {
	Iteration task.IterationKey
	Apply     bool
	Level     int
	Index     int
}

func BatchRequestID(key task.IterationKey, level, index int) string {
	return fmt.Sprintf("%s_l%db%d", key, level, index)
}

func ApplyRequestID(key task.IterationKey) string {
	return key.String() + "_" + applySuffix
}

func (r RequestRef) String() string {
	if r.Apply {
		return ApplyRequestID(r.Iteration)
	}

	return BatchRequestID(r.Iteration, r.Level, r.Index)
}

func ParseRequestID(id string) (RequestRef, error) {
	i := strings.LastIndex(id, "_")
	if i <= 0 {
		return RequestRef{}, fmt.Errorf("%w: malformed request id %q", ErrInvalidRequest, id)
	}
	key, err := task.ParseIterationKey(id[:i])
	if err != nil {
		return RequestRef{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	suffix := id[i+1:]
	if suffix == applySuffix {
		return RequestRef{Iteration: key, Apply: true}, nil
	}

	level, index, ok := strings.Cut(strings.TrimPrefix(suffix, "l"), "b")
	if !ok || !strings.HasPrefix(suffix, "l") {
		return RequestRef{}, fmt.Errorf("%w: malformed request id %q", ErrInvalidRequest, id)
	}
	ref := RequestRef{Iteration: key}
	if ref.Level, err = strconv.Atoi(level); err != nil || ref.Level < 0 {
		return RequestRef{}, fmt.Errorf("%w: malformed request id %q", ErrInvalidRequest, id)
	}
	if ref.Index, err = strconv.Atoi(index); err != nil || ref.Index < 0 {
		return RequestRef{}, fmt.Errorf("%w: malformed request id %q", ErrInvalidRequest, id)
	}

	return ref, nil
}
