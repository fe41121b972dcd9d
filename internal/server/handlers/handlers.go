// Package handlers implements the HTTP endpoints of the front door.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
)

type HandlerFunc func(http.ResponseWriter, *http.Request)

// OwnerHeader names the tenant a management request acts for.
const OwnerHeader = "X-Forge-Owner"

const defaultPageLimit = 50

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	return nil
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit

	query := r.URL.Query()
	if v := query.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if v := query.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return limit, offset
}
