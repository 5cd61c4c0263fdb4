package models

import (
	"fmt"
	"strings"

	"github.com/agencyops/opsync/pkg/constants"
)

// Collection names one of the fixed document collections of the application.
type Collection string

const (
	Tickets  Collection = "tickets"
	Requests Collection = "requests"
	Notes    Collection = "notes"
	Projects Collection = "projects"
	Profiles Collection = "profiles"
	Quotas   Collection = "quotas"
)

// Collections returns the fixed set of collections, in a stable order.
func Collections() []Collection {
	return []Collection{Tickets, Requests, Notes, Projects, Profiles, Quotas}
}

func (c Collection) Valid() bool {
	for _, known := range Collections() {
		if c == known {
			return true
		}
	}
	return false
}

func (c Collection) String() string {
	return string(c)
}

// Path addresses a collection under the application namespace.
// All identities share the same paths.
func Path(namespace string, c Collection) string {
	return namespace + "/" + string(c)
}

// ParsePath splits "<namespace>/<collection>". Any non-empty collection segment
// is accepted; callers that only deal with the fixed set check Valid.
func ParsePath(path string) (namespace string, c Collection, err error) {
	ns, name, ok := strings.Cut(path, "/")
	if !ok || ns == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q", constants.ErrInvalidPath, path)
	}
	return ns, Collection(name), nil
}
