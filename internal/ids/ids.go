package ids

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func NewSessionID() string {
	return New("room")
}

func NewExecutionID() string {
	return New("exec")
}

func NewConnectionID() string {
	return New("conn")
}

// New returns a typeid with the given prefix, falling back to a
// prefix-<unixnano> shape when generation fails.
func New(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}
