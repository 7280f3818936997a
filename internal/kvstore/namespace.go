package kvstore

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Namespaced scopes every key of an underlying store under "<prefix>/".
type Namespaced struct {
	store  Store
	prefix string
}

// Namespace returns a view of store whose keys are prefixed with prefix.
func Namespace(store Store, prefix string) *Namespaced {
	return &Namespaced{store: store, prefix: strings.TrimSuffix(prefix, "/")}
}

// Key returns the fully qualified key for key.
func (n *Namespaced) Key(key string) string {
	return n.prefix + "/" + key
}

// Prefix returns the namespace prefix.
func (n *Namespaced) Prefix() string {
	return n.prefix
}

// Set stores value under the namespaced key.
func (n *Namespaced) Set(key string, value []byte) error {
	return n.store.Set(n.Key(key), value)
}

// Get reads the namespaced key.
func (n *Namespaced) Get(key string) ([]byte, bool, error) {
	return n.store.Get(n.Key(key))
}

// Delete removes the namespaced key.
func (n *Namespaced) Delete(key string) ([]byte, bool, error) {
	return n.store.Delete(n.Key(key))
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON[T any](w Writer, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return w.Set(key, data)
}

// GetJSON reads key and decodes it into a T. A miss returns the zero value with ok false.
func GetJSON[T any](r Reader, key string) (T, bool, error) {
	var zero T

	data, ok, err := r.Get(key)
	if err != nil || !ok {
		return zero, false, err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return v, true, nil
}

// TakeJSON removes key and decodes the value it held. The entry is gone even
// when decoding fails.
func TakeJSON[T any](t Taker, key string) (T, bool, error) {
	var zero T

	data, ok, err := t.Delete(key)
	if err != nil || !ok {
		return zero, false, err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return v, true, nil
}
