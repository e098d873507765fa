package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrRewriteRejected = errors.New("rewrite rejected")

// HTTPRewriter calls a text-rewriting API:
//
//	GET <api_url>?text=<prompt>  ->  {"status": true, "result": "..."}
//
// The prompt is the configured template with {tweet} replaced by the text.
// Results longer than MaxLength runes are rejected.
type HTTPRewriter struct {
	APIURL string
	Prompt string
	Client *http.Client
}

func NewHTTPRewriter(apiURL, prompt string, timeout time.Duration) *HTTPRewriter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRewriter{APIURL: apiURL, Prompt: prompt, Client: &http.Client{Timeout: timeout}}
}

type rewriteResponse struct {
	Status bool   `json:"status"`
	Result string `json:"result"`
}

func (r *HTTPRewriter) Rewrite(ctx context.Context, text string) (string, error) {
	prompt := r.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = "{tweet}"
	}
	prompt = strings.ReplaceAll(prompt, "{tweet}", text)

	u, err := url.Parse(r.APIURL)
	if err != nil {
		return "", fmt.Errorf("rewrite api_url: %w", err)
	}
	q := u.Query()
	q.Set("text", prompt)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrRewriteRejected, resp.StatusCode)
	}

	var out rewriteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil {
		return "", fmt.Errorf("rewrite decode: %w", err)
	}
	res := strings.TrimSpace(out.Result)
	switch {
	case !out.Status || res == "":
		return "", fmt.Errorf("%w: empty result", ErrRewriteRejected)
	case len([]rune(res)) > MaxLength:
		return "", fmt.Errorf("%w: result too long (%d runes)", ErrRewriteRejected, len([]rune(res)))
	}
	return res, nil
}
