package httpserv

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/pion/logging"
	"github.com/stretchr/testify/require"

	"github.com/mirru/mirru/internal/hub"
	"github.com/mirru/mirru/internal/relay"
)

func testServer(t *testing.T) *Server {
	h := &hub.Hub{}
	err := h.Init()
	require.NoError(t, err)

	sup := &relay.Supervisor{
		Hub:        h,
		LogFactory: logging.NewDefaultLoggerFactory(),
	}
	err = sup.Init()
	require.NoError(t, err)
	t.Cleanup(sup.Close)

	s := &Server{
		Address:    "127.0.0.1:0",
		Supervisor: sup,
		Log:        logging.NewDefaultLoggerFactory().NewLogger("http"),
	}
	err = s.Init()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

func (s *Server) url(path string) string {
	return "http://" + s.ln.Addr().String() + path
}

func TestIndex(t *testing.T) {
	s := testServer(t)

	res, err := http.Get(s.url("/"))
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.Header.Get("Content-Type"), "text/html")

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "mirru")
}

func TestAssets(t *testing.T) {
	s := testServer(t)

	for _, ca := range []struct {
		path        string
		contentType string
	}{
		{"/bundle.css", "text/css"},
		{"/bundle.js", "application/javascript"},
		{"/favicon.png", "image/png"},
	} {
		t.Run(ca.path, func(t *testing.T) {
			res, err := http.Get(s.url(ca.path))
			require.NoError(t, err)
			defer res.Body.Close()

			require.Equal(t, http.StatusOK, res.StatusCode)
			require.Contains(t, res.Header.Get("Content-Type"), ca.contentType)
		})
	}
}

func TestMirrorListEmpty(t *testing.T) {
	s := testServer(t)

	res, err := http.Get(s.url("/api/mirrors"))
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "[]", strings.TrimSpace(string(body)))
}

func TestMirrorDeleteNotFound(t *testing.T) {
	s := testServer(t)

	res, err := http.Post(s.url("/api/mirrors?action=delete"),
		"application/json", strings.NewReader(`{"id": 0}`))
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestMirrorDeleteInvalidBody(t *testing.T) {
	s := testServer(t)

	res, err := http.Post(s.url("/api/mirrors?action=delete"),
		"application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestMirrorActionInvalid(t *testing.T) {
	s := testServer(t)

	res, err := http.Post(s.url("/api/mirrors?action=explode"),
		"application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestMirrorCreateStreamsError(t *testing.T) {
	s := testServer(t)

	// an empty token fails immediately; the progress stream still ends
	// with an error phrase instead of "success".
	res, err := http.Post(s.url("/api/mirrors?action=create"),
		"application/json",
		strings.NewReader(`{"token": "", "guild_id": 1, "channel_id": 2}`))
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.Header.Get("Content-Type"), "text/plain")

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.NotContains(t, string(body), "success")
	require.NotEmpty(t, string(body))
}

func TestWHIPPostBadContentType(t *testing.T) {
	s := testServer(t)

	res, err := http.Post(s.url("/whip"), "text/plain",
		strings.NewReader("v=0"))
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestWHIPPostInvalidOffer(t *testing.T) {
	s := testServer(t)

	res, err := http.Post(s.url("/whip"), "application/sdp",
		strings.NewReader("not a sdp"))
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusNotAcceptable, res.StatusCode)
}

func TestWHIPDeleteNotFound(t *testing.T) {
	s := testServer(t)

	req, err := http.NewRequest(http.MethodDelete, s.url("/whip/unknown"), nil)
	require.NoError(t, err)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusNotFound, res.StatusCode)
}
