package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/david/opportunity-crm/internal/crm"
	"github.com/david/opportunity-crm/internal/crmsync"
	"github.com/david/opportunity-crm/internal/db"
	"github.com/david/opportunity-crm/internal/models"
	"github.com/labstack/echo/v4"
)

// envelope is the body shape of every JSON response under /api.
type envelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, envelope{Status: "success", Data: data})
}

func created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, envelope{Status: "success", Data: data})
}

func fail(c echo.Context, code int, message string) error {
	return c.JSON(code, envelope{Status: "error", Message: message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var ve *models.ValidationError
	var upErr *crm.UpstreamError
	switch {
	case errors.As(err, &ve), errors.Is(err, db.ErrDuplicateKey):
		return http.StatusBadRequest
	case errors.Is(err, crmsync.ErrNotFound), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &upErr), errors.Is(err, crm.ErrUpstreamUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with the status statusFor picks. Upstream failures
// get prefix so the caller can tell which CRM call failed.
func respondError(c echo.Context, err error, prefix string) error {
	code := statusFor(err)

	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return c.JSON(code, envelope{Status: "error", Message: ve.Error(), Data: echo.Map{"fields": ve.Fields}})
	}

	msg := err.Error()
	switch code {
	case http.StatusBadGateway:
		if prefix != "" {
			msg = prefix + ": " + msg
		}
	case http.StatusInternalServerError:
		c.Logger().Errorf("%s %s: %v", c.Request().Method, c.Path(), err)
	}
	return fail(c, code, msg)
}

// httpErrorHandler keeps router and middleware errors in the JSON envelope.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
		if code == http.StatusNotFound {
			msg = "Route not found"
		}
	} else {
		c.Logger().Errorf("unhandled error: %v", err)
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(code)
	} else {
		werr = c.JSON(code, envelope{Status: "error", Message: msg})
	}
	if werr != nil {
		c.Logger().Error(werr)
	}
}

// bindJSON decodes the request body, reporting malformed input as a 400.
func bindJSON(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return fail(c, http.StatusBadRequest, "Invalid request body")
	}
	return nil
}

type pageParams struct {
	Page   int
	Limit  int
	Offset int
}

// parsePage reads page/limit query parameters. Missing or invalid values
// fall back to page 1 and 10 per page; limit is capped at 100.
func parsePage(c echo.Context) pageParams {
	page, limit := 1, 10
	if p, err := strconv.Atoi(c.QueryParam("page")); err == nil && p > 0 {
		page = p
	}
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	return pageParams{Page: page, Limit: limit, Offset: (page - 1) * limit}
}

func totalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int(math.Ceil(float64(total) / float64(limit)))
}

// queryInt parses an integer query parameter, returning def when it is
// missing or not a non-negative integer.
func queryInt(c echo.Context, name string, def int) int {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
