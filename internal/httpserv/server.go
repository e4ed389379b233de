// Package httpserv contains the HTTP control interface.
package httpserv

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/logging"

	"github.com/mirru/mirru/internal/discord"
	"github.com/mirru/mirru/internal/liberrors"
	"github.com/mirru/mirru/internal/relay"
	"github.com/mirru/mirru/web"
)

const maxOfferSize = 1024 * 1024

// Server is the HTTP control interface.
// It serves the embedded web UI, the WHIP ingest endpoint and the mirror API.
type Server struct {
	Address    string
	Supervisor *relay.Supervisor
	Log        logging.LeveledLogger

	ln net.Listener
	hs *http.Server
}

// Init binds the listen address and starts serving.
func (s *Server) Init() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.SetTrustedProxies(nil) //nolint:errcheck
	router.Use(s.middlewareLog)

	router.GET("/", s.onIndex)
	router.GET("/bundle.css", s.onAsset("bundle.css", "text/css"))
	router.GET("/bundle.js", s.onAsset("bundle.js", "application/javascript"))
	router.GET("/favicon.png", s.onAsset("favicon.png", "image/png"))

	router.POST("/whip", s.onWHIPPost)
	router.DELETE("/whip/:id", s.onWHIPDelete)

	router.GET("/api/mirrors", s.onMirrorList)
	router.POST("/api/mirrors", s.onMirrorAction)

	var err error
	s.ln, err = net.Listen("tcp", s.Address)
	if err != nil {
		return err
	}

	s.hs = &http.Server{Handler: router}
	go s.hs.Serve(s.ln) //nolint:errcheck

	s.Log.Infof("HTTP listener opened on %s", s.Address)
	return nil
}

// Close shuts down the listener.
func (s *Server) Close() {
	s.hs.Close() //nolint:errcheck
}

func (s *Server) middlewareLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.Log.Debugf("%s %s -> %d (%s)",
		c.Request.Method, c.Request.URL.Path,
		c.Writer.Status(), time.Since(start))
}

func (s *Server) onIndex(c *gin.Context) {
	buf, err := web.FS.ReadFile("index.html")
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf)
}

func (s *Server) onAsset(name string, contentType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		buf, err := web.FS.ReadFile(name)
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Data(http.StatusOK, contentType, buf)
	}
}

func (s *Server) onWHIPPost(c *gin.Context) {
	if c.ContentType() != "application/sdp" {
		c.String(http.StatusBadRequest, "expected application/sdp")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxOfferSize))
	if err != nil {
		c.String(http.StatusBadRequest, "unable to read offer")
		return
	}

	id, answer, err := s.Supervisor.AttachSource(string(body))
	if err != nil {
		var eNeg liberrors.ErrMediaNegotiation
		if errors.As(err, &eNeg) {
			c.String(http.StatusNotAcceptable, err.Error())
			return
		}
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	c.Header("Location", "/whip/"+id)
	c.Data(http.StatusCreated, "application/sdp", []byte(answer))
}

func (s *Server) onWHIPDelete(c *gin.Context) {
	if s.Supervisor.DetachSource(c.Param("id")) {
		c.Status(http.StatusOK)
	} else {
		c.Status(http.StatusNotFound)
	}
}

func (s *Server) onMirrorList(c *gin.Context) {
	c.JSON(http.StatusOK, s.Supervisor.List())
}

func (s *Server) onMirrorAction(c *gin.Context) {
	switch c.Query("action") {
	case "create":
		s.onMirrorCreate(c)

	case "delete":
		s.onMirrorDelete(c)

	default:
		c.String(http.StatusBadRequest, "unsupported action")
	}
}

func (s *Server) onMirrorCreate(c *gin.Context) {
	// Snowflake decoding keeps the full 64 bits of guild and channel ids,
	// whether they arrive as JSON numbers or strings.
	var req struct {
		Token     string            `json:"token"`
		GuildID   discord.Snowflake `json:"guild_id"`
		ChannelID discord.Snowflake `json:"channel_id"`
	}
	err := json.NewDecoder(c.Request.Body).Decode(&req)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid body")
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	_, err = s.Supervisor.CreateMirror(req.Token, req.GuildID, req.ChannelID,
		func(line string) {
			c.Writer.WriteString(line + "\n") //nolint:errcheck
			c.Writer.Flush()
		})
	if err != nil {
		c.Writer.WriteString(err.Error() + "\n") //nolint:errcheck
	} else {
		c.Writer.WriteString("success\n") //nolint:errcheck
	}
	c.Writer.Flush()
}

func (s *Server) onMirrorDelete(c *gin.Context) {
	var req struct {
		ID *int `json:"id"`
	}
	err := json.NewDecoder(c.Request.Body).Decode(&req)
	if err != nil || req.ID == nil {
		c.String(http.StatusBadRequest, "invalid body")
		return
	}

	if s.Supervisor.DeleteMirror(*req.ID) {
		c.Status(http.StatusOK)
	} else {
		c.Status(http.StatusNotFound)
	}
}
