package gitpub

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eringen/gitpub/hugo"
	"github.com/eringen/gitpub/mf2"
	"github.com/eringen/gitpub/tokens"
)

// attachmentKeys are the multipart field names that carry uploaded
// files, in the order the media endpoint probes them. Parts named
// photo/video/audio also become properties on the created entry; plain
// "file" parts are stored without one.
var attachmentKeys = []string{"photo", "video", "audio", "file"}

func requestMediaType(c echo.Context) (string, error) {
	ctype := c.Request().Header.Get(echo.HeaderContentType)
	if ctype == "" {
		return "", errInvalidRequest("no Content-Type header")
	}
	base, _, err := mime.ParseMediaType(ctype)
	if err != nil {
		return "", errInvalidRequest(fmt.Sprintf("malformed Content-Type %q", ctype))
	}
	return base, nil
}

// bodyForm returns the fields of a form-encoded or multipart POST body.
// Unlike FormValue it never falls back to URL query parameters, which
// must not inject tokens or properties into a Micropub request.
func bodyForm(c echo.Context, mediaType string) (url.Values, error) {
	switch mediaType {
	case echo.MIMEApplicationForm:
		if err := c.Request().ParseForm(); err != nil {
			return nil, errInvalidRequest("unreadable form body")
		}
		return c.Request().PostForm, nil
	case "multipart/form-data":
		form, err := c.MultipartForm()
		if err != nil {
			return nil, errInvalidRequest("unreadable multipart body")
		}
		return url.Values(form.Value), nil
	}
	return nil, nil
}

// authenticatePost resolves the bearer token for a Micropub POST. The
// token may arrive in the Authorization header or, for form-encoded
// bodies, as an auth_token/access_token field. The header wins; if both
// are present and disagree the request is rejected instead of silently
// picking one.
func (a *App) authenticatePost(c echo.Context, mediaType string) (*tokens.Grant, error) {
	var formToken string
	if form, err := bodyForm(c, mediaType); err != nil {
		return nil, err
	} else if form != nil {
		formToken = form.Get("auth_token")
		if formToken == "" {
			formToken = form.Get("access_token")
		}
	}

	headerToken := ""
	if c.Request().Header.Get(echo.HeaderAuthorization) != "" {
		t, err := bearerFromHeader(c)
		if err != nil {
			return nil, err
		}
		headerToken = t
	}

	token := headerToken
	switch {
	case headerToken != "" && formToken != "" && headerToken != formToken:
		return nil, errInvalidRequest("access token in Authorization header disagrees with the form token")
	case headerToken == "":
		token = formToken
	}
	if token == "" {
		return nil, errUnauthorized("no token was provided")
	}
	return a.Tokens.Validate(c.Request().Context(), token)
}

func requireScope(grant *tokens.Grant, action string) error {
	if !grant.HasScope(action) {
		return errInsufficientScope(action)
	}
	return nil
}

// handleMicropubQuery serves the GET side of the Micropub endpoint:
// q=config, q=source and q=syndicate-to.
func (a *App) handleMicropubQuery(c echo.Context) error {
	site, err := a.site(c.Param("blog"))
	if err != nil {
		return err
	}
	token, err := bearerFromHeader(c)
	if err != nil {
		return err
	}
	if _, err := a.Tokens.Validate(c.Request().Context(), token); err != nil {
		return err
	}

	switch q := c.QueryParam("q"); q {
	case "config":
		return c.JSON(http.StatusOK, map[string]any{
			"media-endpoint": a.mediaEndpoint(c, site.Name),
			"syndicate-to":   []any{},
		})
	case "source":
		u := c.QueryParam("url")
		if u == "" {
			return errInvalidRequest("required 'url' parameter missing")
		}
		post, _, err := site.GetPost(c.Request().Context(), u)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, post.MF2())
	case "syndicate-to":
		return c.JSON(http.StatusOK, map[string]any{"syndicate-to": []any{}})
	default:
		return errInvalidRequest("valid authorization, but invalid or missing 'q' parameter")
	}
}

func (a *App) mediaEndpoint(c echo.Context, blog string) string {
	scheme := c.Scheme()
	return fmt.Sprintf("%s://%s/micropub/%s/media", scheme, c.Request().Host, url.PathEscape(blog))
}

// handleMicropubPost serves the POST side of the Micropub endpoint:
// create, update and delete in any of the three body encodings.
func (a *App) handleMicropubPost(c echo.Context) error {
	site, err := a.site(c.Param("blog"))
	if err != nil {
		return err
	}
	mediaType, err := requestMediaType(c)
	if err != nil {
		return err
	}
	grant, err := a.authenticatePost(c, mediaType)
	if err != nil {
		return err
	}

	switch mediaType {
	case echo.MIMEApplicationJSON:
		return a.micropubJSON(c, site, grant)
	case echo.MIMEApplicationForm:
		return a.micropubForm(c, site, grant)
	case "multipart/form-data":
		return a.micropubMultipart(c, site, grant)
	default:
		return errInvalidRequest(fmt.Sprintf("invalid Content-Type %q", mediaType))
	}
}

func (a *App) micropubJSON(c echo.Context, site *hugo.Site, grant *tokens.Grant) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errInvalidRequest("unreadable request body")
	}

	var envelope struct {
		Action string `json:"action"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return errInvalidRequest("request body is not valid JSON")
	}
	action := envelope.Action
	if action == "" {
		action = "create"
	}
	if err := requireScope(grant, action); err != nil {
		return err
	}

	ctx := c.Request().Context()
	switch action {
	case "create":
		entry, err := mf2.EntryFromJSON(body)
		if err != nil {
			return errInvalidRequest(err.Error())
		}
		location, err := site.CreateEntry(ctx, entry, nil, time.Now())
		if err != nil {
			return err
		}
		return created(c, location)
	case "update":
		u, err := mf2.UpdateFromJSON(body)
		if err != nil {
			return errInvalidRequest(err.Error())
		}
		location, err := site.UpdateEntry(ctx, u)
		if err != nil {
			return err
		}
		c.Response().Header().Set(echo.HeaderLocation, location)
		return c.NoContent(http.StatusNoContent)
	case "delete":
		if envelope.URL == "" {
			return errInvalidRequest("delete requires a 'url' member")
		}
		if err := site.DeleteEntry(ctx, envelope.URL); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	default:
		return errInvalidRequest(fmt.Sprintf("%q action not supported", action))
	}
}

func (a *App) micropubForm(c echo.Context, site *hugo.Site, grant *tokens.Grant) error {
	form, err := bodyForm(c, echo.MIMEApplicationForm)
	if err != nil {
		return err
	}
	action := form.Get("action")
	if action == "" {
		action = "create"
	}
	if err := requireScope(grant, action); err != nil {
		return err
	}

	ctx := c.Request().Context()
	switch action {
	case "create":
		entry, err := mf2.EntryFromForm(form)
		if err != nil {
			return errInvalidRequest(err.Error())
		}
		location, err := site.CreateEntry(ctx, entry, nil, time.Now())
		if err != nil {
			return err
		}
		return created(c, location)
	case "delete":
		u := form.Get("url")
		if u == "" {
			return errInvalidRequest("delete requires a 'url' field")
		}
		if err := site.DeleteEntry(ctx, u); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	case "update":
		return errInvalidRequest("update requires a JSON request body")
	default:
		return errInvalidRequest(fmt.Sprintf("%q action not supported", action))
	}
}

func (a *App) micropubMultipart(c echo.Context, site *hugo.Site, grant *tokens.Grant) error {
	form, err := c.MultipartForm()
	if err != nil {
		return errInvalidRequest("unreadable multipart body")
	}
	values := url.Values(form.Value)
	action := values.Get("action")
	if action != "" && action != "create" {
		return errInvalidRequest("only the create action may carry multipart file parts")
	}
	if err := requireScope(grant, "create"); err != nil {
		return err
	}

	entry, err := mf2.EntryFromForm(values)
	if err != nil {
		return errInvalidRequest(err.Error())
	}

	var blobs []*hugo.Blob
	photoAlts := values["mp-photo-alt"]
	for _, key := range attachmentKeys {
		for i, fh := range form.File[key] {
			alt := ""
			if key == "photo" && i < len(photoAlts) {
				alt = photoAlts[i]
			}
			blob, err := blobFromPart(fh, alt)
			if err != nil {
				return err
			}
			blobs = append(blobs, blob)
			if key != "file" {
				entry.Properties.Add(key, mf2.String(site.BlobURI(blob)))
			}
		}
	}

	location, err := site.CreateEntry(c.Request().Context(), entry, blobs, time.Now())
	if err != nil {
		return err
	}
	return created(c, location)
}

func blobFromPart(fh *multipart.FileHeader, alt string) (*hugo.Blob, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, errInvalidRequest(fmt.Sprintf("unreadable file part %q", fh.Filename))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errInvalidRequest(fmt.Sprintf("unreadable file part %q", fh.Filename))
	}
	blob, err := hugo.NewBlob(data, fh.Header.Get("Content-Type"), fh.Filename, alt)
	if err != nil {
		return nil, errInvalidRequest(err.Error())
	}
	return blob, nil
}

func created(c echo.Context, location string) error {
	c.Response().Header().Set(echo.HeaderLocation, location)
	return c.NoContent(http.StatusCreated)
}

// handleMedia is the per-blog media endpoint: a single multipart file
// part stored content-addressed in the site repository. Re-uploading
// bytes the repository already holds returns 200 with the same URL;
// fresh bytes return 201.
func (a *App) handleMedia(c echo.Context) error {
	site, err := a.site(c.Param("blog"))
	if err != nil {
		return err
	}
	mediaType, err := requestMediaType(c)
	if err != nil {
		return err
	}
	if mediaType != "multipart/form-data" {
		return errInvalidRequest("media uploads must be multipart/form-data")
	}
	grant, err := a.authenticatePost(c, mediaType)
	if err != nil {
		return err
	}
	if err := requireScope(grant, "media"); err != nil {
		return err
	}

	form, err := c.MultipartForm()
	if err != nil {
		return errInvalidRequest("unreadable multipart body")
	}
	var part *multipart.FileHeader
	for _, key := range attachmentKeys {
		if files := form.File[key]; len(files) > 0 {
			part = files[0]
			break
		}
	}
	if part == nil {
		return errInvalidRequest("no file part named photo, video, audio or file")
	}
	alt := ""
	if v := form.Value["alt"]; len(v) > 0 {
		alt = v[0]
	}

	blob, err := blobFromPart(part, alt)
	if err != nil {
		return err
	}
	uri, fresh, err := site.StoreBlob(c.Request().Context(), blob)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if fresh {
		status = http.StatusCreated
	}
	c.Response().Header().Set(echo.HeaderLocation, uri)
	return c.JSON(status, struct {
		URL    string `json:"url"`
		Alt    string `json:"alt,omitempty"`
		Width  int    `json:"width,omitempty"`
		Height int    `json:"height,omitempty"`
	}{uri, blob.Alt, blob.Width, blob.Height})
}
