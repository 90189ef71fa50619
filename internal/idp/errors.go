package idp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/dgellow/gatekeep/internal/autherr"
	"github.com/dgellow/gatekeep/internal/ioutil"
)

// translateError maps transport and oauth2 errors onto the autherr taxonomy.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := http.StatusBadGateway
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return autherr.Upstream(op+" rejected by identity provider", status, string(retrieveErr.Body), err)
	}

	if isTimeout(err) {
		return autherr.Upstream(op+" timed out", 0, "", err)
	}
	return autherr.Upstream(op+" failed", 0, "", err)
}

// statusError builds an upstream error from a non-success response.
func statusError(op string, resp *http.Response) error {
	detail := ioutil.ReadLimited(resp.Body, ioutil.MaxErrorBody)
	return autherr.Upstream(op+" rejected by identity provider", resp.StatusCode, detail,
		fmt.Errorf("status %d", resp.StatusCode))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
