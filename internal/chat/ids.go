package chat

import (
	"regexp"

	"github.com/teris-io/shortid"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validID(id string) bool {
	return idPattern.MatchString(id)
}

func newID() (string, error) {
	return shortid.Generate()
}
