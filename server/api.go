package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// We create a unique rate limiter for each rate limited endpoint
	ratelimited := func(method, route string, handle func(w http.ResponseWriter, r *http.Request), requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(handle)).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	ratelimited("POST", "/api/caption", s.httpCaption, s.config.CaptionsPerMinute, time.Minute)
	handle("GET", "/api/captions", s.httpListCaptions)
	handle("GET", "/api/caption/:id", s.httpGetCaption)
	handle("GET", "/api/caption/:id/image", s.httpGetCaptionImage)
	handle("POST", "/api/reset", s.httpReset)
	handle("GET", "/api/stats", s.httpStats)
	handle("POST", "/api/stats/reset", s.httpResetStats)
	handle("GET", "/api/ws/captions", s.httpCaptionFeed)

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendText(w, "pong")
}
