package gitpub

import (
	"errors"
	"net/http"

	"github.com/a-h/templ"
	"github.com/labstack/echo/v4"
)

// Render writes a templ component as an HTTP 200 HTML response.
func Render(c echo.Context, cmp templ.Component) error {
	return RenderStatus(c, http.StatusOK, cmp)
}

// RenderStatus writes a templ component with a specific HTTP status code.
func RenderStatus(c echo.Context, code int, cmp templ.Component) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(code)
	return cmp.Render(c.Request().Context(), c.Response().Writer)
}

// httpErrorHandler routes errors to the right wire shape: API paths get
// a Micropub JSON error body, browser paths get the error page.
func (a *App) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	err = translate(err)

	status := http.StatusInternalServerError
	code := "internal"
	desc := "internal server error"

	var ae *apiError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ae):
		status, code, desc = ae.Status, ae.Code, ae.Desc
	case errors.As(err, &he):
		status = he.Code
		if status == http.StatusNotFound {
			code, desc = "not_found", "no such resource"
		} else if msg, ok := he.Message.(string); ok {
			code, desc = "invalid_request", msg
		}
	}

	if status >= 500 {
		c.Logger().Errorf("server error: %v", err)
	}

	if isAPIPath(c) {
		_ = c.JSON(status, map[string]string{
			"error":             code,
			"error_description": desc,
		})
		return
	}
	_ = RenderStatus(c, status, a.Views.Error(status, desc))
}
