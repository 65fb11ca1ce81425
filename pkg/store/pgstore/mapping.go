package pgstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/teo/pkg/store"
)

// mapErr translates pgx/postgres errors into store sentinel errors. Callers
// that need a specific sentinel (ErrPreconditionFailed, ErrConflict) check
// for it themselves before this is reached; mapErr is the catch-all for
// "row vanished" and connectivity failures.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%w: %v", store.ErrTransient, err)
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON[T any](raw []byte, out *T) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
