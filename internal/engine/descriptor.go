package engine

import (
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// ItemDescriptor is one discovered unit of backup work, as described by
// the plugin. Checksum may be empty — such items are ineligible for fetch
// and are skipped by the orchestrator, not fetched blind.
type ItemDescriptor struct {
	ItemID       string
	Name         string
	Path         string
	Checksum     string
	Size         int64
	ModifiedTime time.Time
}

// decodeDescriptor validates the dynamically-typed table returned by
// describe(id). The script's own type discipline is not trusted: every
// required field is checked and coerced here, and decoding rejects on the
// first missing or ill-typed field. Checksum is the one field allowed to
// be absent; eligibility is the orchestrator's call.
func decodeDescriptor(itemID string, v lua.LValue) (*ItemDescriptor, error) {
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("describe must return a table, got %s", v.Type())
	}

	name, err := requireStringField(t, "name")
	if err != nil {
		return nil, err
	}
	path, err := requireStringField(t, "path")
	if err != nil {
		return nil, err
	}

	size, err := requireNumberField(t, "size")
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("field size must be non-negative, got %d", size)
	}

	modified, err := decodeModifiedTime(t.RawGetString("modified_time"))
	if err != nil {
		return nil, err
	}

	checksum := ""
	if s, ok := t.RawGetString("checksum").(lua.LString); ok {
		checksum = string(s)
	}

	return &ItemDescriptor{
		ItemID:       itemID,
		Name:         name,
		Path:         path,
		Checksum:     checksum,
		Size:         size,
		ModifiedTime: modified,
	}, nil
}

func requireStringField(t *lua.LTable, field string) (string, error) {
	v := t.RawGetString(field)
	s, ok := v.(lua.LString)
	if !ok || string(s) == "" {
		return "", fmt.Errorf("field %s must be a non-empty string, got %s", field, v.Type())
	}
	return string(s), nil
}

func requireNumberField(t *lua.LTable, field string) (int64, error) {
	v := t.RawGetString(field)
	n, ok := v.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("field %s must be a number, got %s", field, v.Type())
	}
	return int64(n), nil
}

// decodeModifiedTime accepts a unix timestamp (seconds) or an RFC 3339
// string — the two shapes provider APIs commonly hand back.
func decodeModifiedTime(v lua.LValue) (time.Time, error) {
	switch t := v.(type) {
	case lua.LNumber:
		return time.Unix(int64(t), 0).UTC(), nil
	case lua.LString:
		parsed, err := time.Parse(time.RFC3339, string(t))
		if err != nil {
			return time.Time{}, fmt.Errorf("field modified_time: %v", err)
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("field modified_time must be a unix timestamp or RFC 3339 string, got %s", v.Type())
	}
}
