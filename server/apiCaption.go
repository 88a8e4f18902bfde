package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/captioner/pkg/caption"
	"github.com/cyclopcam/captioner/pkg/imageprep"
	"github.com/cyclopcam/captioner/server/captiondb"
	"github.com/cyclopcam/captioner/server/storage"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
	"gorm.io/gorm"
)

const defaultListLimit = 50
const maxListLimit = 1000

// SYNC-CAPTION-RESPONSE
type captionResponse struct {
	ID              int64  `json:"id"`
	Text            string `json:"text"`
	InferenceTimeMs int64  `json:"inferenceTimeMs"`
	Steps           int    `json:"steps"`
	StoppedAtEnd    bool   `json:"stoppedAtEnd"`
}

// Body is a JPEG or PNG image. The optional 'rotation' query parameter is the clockwise
// rotation in degrees that makes the image upright.
func (s *Server) httpCaption(w http.ResponseWriter, r *http.Request) {
	rotation := 0
	if v := www.QueryValue(r, "rotation"); v != "" {
		var err error
		rotation, err = strconv.Atoi(v)
		if err != nil || rotation%90 != 0 {
			www.PanicBadRequestf("rotation must be a multiple of 90")
		}
	}
	body := www.ReadLimited(w, r, s.config.MaxImageBytes)
	img, err := imageprep.Decode(body)
	if err != nil {
		www.PanicBadRequestf("%v", err)
	}

	result, err := s.engine.CaptionImage(img, rotation)
	if errors.Is(err, caption.ErrModelInitialization) || errors.Is(err, caption.ErrEngineClosed) {
		www.Panic(http.StatusServiceUnavailable, err.Error())
	}
	www.Check(err)

	rec, err := s.db.Add(result.Text, result.InferenceTimeMs, result.Steps, "")
	www.Check(err)
	if s.archive != nil {
		s.archiveImage(r, rec, img)
	}
	s.broadcaster.PublishCaption(rec)

	www.SendJSON(w, &captionResponse{
		ID:              rec.ID,
		Text:            result.Text,
		InferenceTimeMs: result.InferenceTimeMs,
		Steps:           result.Steps,
		StoppedAtEnd:    result.StoppedAtEnd,
	})
}

// Archiving is best effort. The caption is still returned if this fails.
func (s *Server) archiveImage(r *http.Request, rec *captiondb.Caption, img *cimg.Image) {
	jpg, err := imageprep.EncodeJPEG(img)
	if err != nil {
		s.Log.Warnf("Failed to compress image of caption %v: %v", rec.ID, err)
		return
	}
	key := storage.ImageKey(rec.ID)
	if err := storage.WriteFile(r.Context(), s.archive, key, bytes.NewReader(jpg)); err != nil {
		s.Log.Warnf("Failed to archive image of caption %v: %v", rec.ID, err)
		return
	}
	if err := s.db.SetImageKey(rec.ID, key); err != nil {
		s.Log.Warnf("Failed to record image key of caption %v: %v", rec.ID, err)
		return
	}
	rec.ImageKey = key
}

func (s *Server) httpListCaptions(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	limit := www.QueryInt(r, "limit")
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	recs, err := s.db.List(limit)
	www.Check(err)
	www.SendJSON(w, recs)
}

func (s *Server) getCaptionOrPanic(params httprouter.Params) *captiondb.Caption {
	id := www.ParseID(params.ByName("id"))
	rec, err := s.db.Get(id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	return rec
}

func (s *Server) httpGetCaption(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.getCaptionOrPanic(params))
}

func (s *Server) httpGetCaptionImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rec := s.getCaptionOrPanic(params)
	if rec.ImageKey == "" || s.archive == nil {
		www.PanicNotFound()
	}
	f, err := s.archive.ReadFile(r.Context(), rec.ImageKey)
	if errors.Is(err, storage.ErrNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	defer f.Reader.Close()
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	www.CacheImmutable(w)
	io.Copy(w, f.Reader)
}

func (s *Server) httpReset(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := s.engine.Reset()
	if errors.Is(err, caption.ErrModelNotLoaded) || errors.Is(err, caption.ErrEngineClosed) {
		www.Panic(http.StatusConflict, err.Error())
	}
	www.Check(err)
	www.SendOK(w)
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, s.engine.Stats())
}

func (s *Server) httpResetStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.engine.ResetStats()
	www.SendOK(w)
}

func (s *Server) httpCaptionFeed(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	s.broadcaster.Serve(conn)
}
