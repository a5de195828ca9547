package client

import (
	"bytes"
	"encoding/json"

	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/rotisserie/eris"
)

// envelope is the outer shape of every API reply.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// pageData is the paginated payload inside envelope.Data.
type pageData struct {
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
	Count      *int              `json:"count"`
	NextPage   *int              `json:"nextPage"`
	NextCursor string            `json:"nextCursor"`
	Data       []json.RawMessage `json:"data"`
}

// parsedPage is what a page body decodes to.
type parsedPage struct {
	Records       []page.Record
	ReportedTotal int
	ReportedLimit int
	Next          *page.Cursor
}

// parsePage decodes a conversions reply for cursor. pageSize is the limit
// that was requested; it stands in when the server omits one.
func parsePage(body []byte, cursor page.Cursor, pageSize int) (*parsedPage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, eris.Wrap(err, "decode response envelope")
	}

	raw := bytes.TrimSpace(env.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrMissingData
	}

	switch raw[0] {
	case '[':
		return parseLegacy(raw, cursor, pageSize)
	case '{':
		return parseObject(raw, cursor, pageSize)
	default:
		return nil, eris.Errorf("unexpected data type in response: %.20s", raw)
	}
}

func parseObject(raw []byte, cursor page.Cursor, pageSize int) (*parsedPage, error) {
	var pd pageData
	if err := json.Unmarshal(raw, &pd); err != nil {
		return nil, eris.Wrap(err, "decode page data")
	}

	current := pd.Page
	if current <= 0 {
		current = cursor.Page
	}
	limit := pd.Limit
	if limit <= 0 {
		limit = pageSize
	}
	total := page.UnknownTotal
	if pd.Count != nil {
		total = *pd.Count
	}

	out := &parsedPage{
		Records:       pd.Data,
		ReportedTotal: total,
		ReportedLimit: limit,
	}

	// A successor must move forward and follow a non-empty page.
	if pd.NextPage != nil && *pd.NextPage > current && len(pd.Data) > 0 {
		out.Next = &page.Cursor{Page: *pd.NextPage, Token: pd.NextCursor}
	}

	return out, nil
}

// parseLegacy handles the older reply where data is a bare list. A full
// page implies there may be another.
func parseLegacy(raw []byte, cursor page.Cursor, pageSize int) (*parsedPage, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, eris.Wrap(err, "decode legacy data list")
	}

	out := &parsedPage{
		Records:       list,
		ReportedTotal: page.UnknownTotal,
		ReportedLimit: pageSize,
	}
	if pageSize > 0 && len(list) >= pageSize {
		out.Next = &page.Cursor{Page: cursor.Page + 1}
	}
	return out, nil
}
