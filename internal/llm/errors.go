package llm

import (
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"

	"github.com/basket/agentcore/internal/retry"
)

// providerError wraps SDK failures that carry an HTTP status in a
// *retry.HTTPError, keeping the response headers for retry-after hints.
// Other errors are returned unchanged.
func providerError(err error) error {
	if err == nil {
		return nil
	}
	var he *retry.HTTPError
	if errors.As(err, &he) {
		return err
	}
	status, header := providerStatus(err)
	if status == 0 {
		return err
	}
	return &retry.HTTPError{StatusCode: status, Header: header, Err: err}
}

func providerStatus(err error) (int, http.Header) {
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode, responseHeader(ae.Response)
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode, responseHeader(oe.Response)
	}
	var gp *genai.APIError
	if errors.As(err, &gp) {
		return gp.Code, nil
	}
	var gv genai.APIError
	if errors.As(err, &gv) {
		return gv.Code, nil
	}
	return 0, nil
}

func responseHeader(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}
	return resp.Header
}
