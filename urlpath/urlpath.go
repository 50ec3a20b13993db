package urlpath

import (
	"net/http"
	"strings"

	"github.com/ts4z/storyline/he"
)

const maxIDLength = 128

// IDPathValue extracts the "id" path variable from the request.
//
// On error, an error is reported to the client.
func IDPathValue(w http.ResponseWriter, r *http.Request) (string, error) {
	id, err := idPathValueFromRequest(r)
	if err != nil {
		he.SendErrorToHTTPClient(w, "parse URL", err)
	}
	return id, err
}

func idPathValueFromRequest(r *http.Request) (string, error) {
	id := r.PathValue("id")
	if strings.TrimSpace(id) == "" {
		return "", he.HTTPCodedErrorf(http.StatusBadRequest, "no id in url path")
	}
	if len(id) > maxIDLength {
		return "", he.HTTPCodedErrorf(http.StatusBadRequest, "id in url path is too long")
	}
	return id, nil
}
