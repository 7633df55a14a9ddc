package handler

import (
	"mime"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"bulkload/application/bulkdata/domain"
	"bulkload/internal/records"

	"github.com/gin-gonic/gin"
)

// formFieldData is the multipart part that carries the records.
const formFieldData = "data"

// params holds the query parameters shared by analyze and load.
type params struct {
	dataSource     string
	mapDataSources string
	mapDataSource  []string
	loadID         string
	maxFailures    int
	progressPeriod time.Duration
	eofSendTimeout time.Duration
}

func (h *Handler) parseParams(c *gin.Context) (params, error) {
	p := params{
		dataSource:     c.Query("dataSource"),
		mapDataSources: c.Query("mapDataSources"),
		mapDataSource:  c.QueryArray("mapDataSource"),
		loadID:         c.Query("loadId"),
		progressPeriod: h.cfg.ProgressPeriod,
		eofSendTimeout: h.cfg.EOFSendTimeout,
	}

	if v := strings.TrimSpace(c.Query("maxFailures")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, domain.BadRequestf("maxFailures must be an integer: %q", v)
		}
		p.maxFailures = n
	}
	if v := strings.TrimSpace(c.Query("progressPeriod")); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return p, domain.BadRequestf("progressPeriod must be a non-negative number of milliseconds: %q", v)
		}
		p.progressPeriod = time.Duration(ms) * time.Millisecond
	}
	if v := strings.TrimSpace(c.Query("eofSendTimeout")); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil || sec <= 0 {
			return p, domain.BadRequestf("eofSendTimeout must be a positive number of seconds: %q", v)
		}
		p.eofSendTimeout = time.Duration(sec) * time.Second
	}
	return p, nil
}

// historyQuery reads the load history filters of a request.
func historyQuery(c *gin.Context) (domain.HistoryQuery, error) {
	var q domain.HistoryQuery

	for _, v := range c.QueryArray("status") {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				q.Statuses = append(q.Statuses, domain.Status(s))
			}
		}
	}
	q.Operation = c.Query("operation")

	for name, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		if v := strings.TrimSpace(c.Query(name)); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return q, domain.BadRequestf("%s must be an RFC 3339 time: %q", name, v)
			}
			*dst = t
		}
	}

	if v := strings.TrimSpace(c.Query("orderBy")); v != "" {
		q.OrderBy = strings.Split(v, ",")
		for i := range q.OrderBy {
			q.OrderBy[i] = strings.TrimSpace(q.OrderBy[i])
		}
	}

	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		if v := strings.TrimSpace(c.Query(name)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return q, domain.BadRequestf("%s must be an integer: %q", name, v)
			}
			*dst = n
		}
	}

	if err := q.Validate(); err != nil {
		return q, err
	}
	return q, nil
}

// requestUpload returns the records part of a request: the data part of a
// multipart form, or the raw body otherwise.
func requestUpload(c *gin.Context) (domain.Upload, error) {
	contentType := c.GetHeader("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !strings.EqualFold(mediaType, records.MediaTypeMultipart) {
		return domain.Upload{Body: c.Request.Body, MediaType: contentType}, nil
	}

	reader, err := c.Request.MultipartReader()
	if err != nil {
		return domain.Upload{}, domain.BadRequest(err)
	}
	for {
		part, err := reader.NextPart()
		if err != nil {
			return domain.Upload{}, domain.BadRequestf("multipart form has no %q part", formFieldData)
		}
		if part.FormName() != formFieldData {
			part.Close()
			continue
		}
		return domain.Upload{
			Body:      part,
			MediaType: part.Header.Get("Content-Type"),
			FileName:  part.FileName(),
			FileDate:  modificationDate(part),
		}, nil
	}
}

// modificationDate reads the optional modification-date parameter of the
// part's Content-Disposition.
func modificationDate(part *multipart.Part) time.Time {
	_, dispParams, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return time.Time{}
	}
	value := dispParams["modification-date"]
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// wantsEventStream reports whether the client asked for server-sent events.
func wantsEventStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}
