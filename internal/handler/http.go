package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/cleverdata/hotfold/internal/engine"
	"github.com/cleverdata/hotfold/internal/store"
)

// http_upload posts the staged file as a multipart form to an HTTP
// endpoint. Args: endpoint (required), token (bearer auth), field
// (multipart field name, default "file").
func newHTTPUpload(st store.Store, args map[string]string) (engine.HandlerFunc, string, error) {
	endpoint := strings.TrimRight(args["endpoint"], "/")
	if endpoint == "" {
		return nil, "", errors.New(`handler http_upload: missing arg "endpoint"`)
	}
	token := args["token"]
	field := args["field"]
	if field == "" {
		field = "file"
	}

	client := resty.New()
	fn := func(ctx context.Context, f engine.FileInfo) (string, error) {
		data, err := st.ReadFile(ctx, f.Path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", f.Path, err)
		}
		req := client.R().
			SetContext(ctx).
			SetFileReader(field, f.Name, bytes.NewReader(data))
		if token != "" {
			req.SetHeader("Authorization", "Bearer "+token)
		}
		resp, err := req.Post(endpoint)
		if err != nil {
			return "", err
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			return "", fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode(), snippet(resp.String()))
		}
		return fmt.Sprintf("uploaded, status %d", resp.StatusCode()), nil
	}
	return fn, "http_upload to " + endpoint, nil
}
