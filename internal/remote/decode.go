package remote

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
)

// DecodeBatch splits a multipart/mixed batch response into n results. Parts
// are matched to requests by their Content-ID when present, otherwise by
// position. Requests without a matching part keep a zero status code.
func DecodeBatch(contentType string, body io.Reader, n int) ([]SubResponse, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("invalid batch response content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, fmt.Errorf("unexpected batch response content type %q", mediaType)
	}

	results := make([]SubResponse, n)
	mr := multipart.NewReader(body, params["boundary"])

	for pos := 0; ; pos++ {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read batch part: %w", err)
		}

		idx, ok := partIndex(part.Header.Get("Content-ID"))
		if !ok {
			idx = pos
		}
		if idx < 0 || idx >= n {
			continue
		}

		resp, err := http.ReadResponse(bufio.NewReader(part), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sub-response %d: %w", idx, err)
		}
		payload, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read sub-response %d: %w", idx, err)
		}

		results[idx] = SubResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       payload,
		}
	}

	return results, nil
}

// partIndex parses "<response-item-N>" or "<item-N>".
func partIndex(contentID string) (int, bool) {
	id := strings.Trim(contentID, "<> ")
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return 0, false
	}

	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return 0, false
	}

	return n, true
}
