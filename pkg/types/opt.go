package types

import (
	"database/sql"
	"encoding/json"
)

// Opt holds a value that may be absent. Absence is distinct from the zero value,
// which is what the partial records of a feed need: "is_in_kev": false and no
// "is_in_kev" key at all mean different things to the merge.
type Opt[T any] struct {
	Value T
	Valid bool
}

// Some returns a present Opt
func Some[T any](v T) Opt[T] {
	return Opt[T]{Value: v, Valid: true}
}

// None returns an absent Opt
func None[T any]() Opt[T] {
	return Opt[T]{}
}

func (o Opt[T]) Get() (T, bool) {
	return o.Value, o.Valid
}

// OrElse returns the value if present, def otherwise
func (o Opt[T]) OrElse(def T) T {
	if o.Valid {
		return o.Value
	}
	return def
}

// Or returns o if present, other otherwise
func (o Opt[T]) Or(other Opt[T]) Opt[T] {
	if o.Valid {
		return o
	}
	return other
}

// IsZero reports absence. encoding/json uses it for `omitzero`.
func (o Opt[T]) IsZero() bool {
	return !o.Valid
}

func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// UnmarshalJSON treats a JSON null as absent.
func (o *Opt[T]) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = Opt[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// NullOf converts an Opt into its column form
func NullOf[T any](o Opt[T]) sql.Null[T] {
	return sql.Null[T]{V: o.Value, Valid: o.Valid}
}

// OptOf converts a column value into an Opt
func OptOf[T any](n sql.Null[T]) Opt[T] {
	return Opt[T]{Value: n.V, Valid: n.Valid}
}
