package main

import (
	"context"
	"fmt"
	"html"
	"io"

	"github.com/a-h/templ"

	"github.com/eringen/gitpub"
)

// builtinViews returns plain fallback pages for running gitpub without
// a custom template set. Embedding applications are expected to supply
// their own templ components instead.
func builtinViews() gitpub.ViewFuncs {
	return gitpub.ViewFuncs{
		Index:     indexPage,
		Login:     loginPage,
		Authorize: authorizePage,
		Error:     errorPage,
	}
}

func page(title string, body func(w io.Writer)) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>%s</title></head><body>", html.EscapeString(title))
		body(w)
		_, err := io.WriteString(w, "</body></html>")
		return err
	})
}

func indexPage(name string, blogs []gitpub.BlogView, authed bool) templ.Component {
	return page(name, func(w io.Writer) {
		fmt.Fprintf(w, "<h1>%s</h1><ul>", html.EscapeString(name))
		for _, b := range blogs {
			fmt.Fprintf(w, `<li><a href="%s">%s</a></li>`,
				html.EscapeString(b.URI), html.EscapeString(b.Name))
		}
		io.WriteString(w, "</ul>")
		if authed {
			io.WriteString(w, `<p><a href="/indieauth/logout">Log out</a></p>`)
		} else {
			io.WriteString(w, `<p><a href="/indieauth/login">Log in</a></p>`)
		}
	})
}

func loginPage(showError bool, next, csrfToken string) templ.Component {
	return page("Log in", func(w io.Writer) {
		io.WriteString(w, "<h1>Log in</h1>")
		if showError {
			io.WriteString(w, "<p>Incorrect password.</p>")
		}
		fmt.Fprintf(w, `<form method="post" action="/indieauth/login">`+
			`<input type="hidden" name="_csrf" value="%s">`+
			`<input type="hidden" name="next" value="%s">`+
			`<input type="password" name="password" autofocus>`+
			`<button type="submit">Log in</button></form>`,
			html.EscapeString(csrfToken), html.EscapeString(next))
	})
}

func authorizePage(req gitpub.ConsentView, csrfToken string) templ.Component {
	return page("Authorize "+req.ClientID, func(w io.Writer) {
		fmt.Fprintf(w, "<h1>Authorize %s?</h1>", html.EscapeString(req.ClientID))
		fmt.Fprintf(w, `<form method="post" action="/indieauth/grant">`+
			`<input type="hidden" name="_csrf" value="%s">`, html.EscapeString(csrfToken))
		for _, field := range [][2]string{
			{"client_id", req.ClientID},
			{"redirect_uri", req.RedirectURI},
			{"state", req.State},
			{"code_challenge", req.Challenge},
			{"code_challenge_method", req.ChallengeMethod},
		} {
			fmt.Fprintf(w, `<input type="hidden" name="%s" value="%s">`,
				field[0], html.EscapeString(field[1]))
		}
		io.WriteString(w, "<ul>")
		for _, scope := range req.Scopes {
			fmt.Fprintf(w, `<li><label><input type="checkbox" name="scope:%s" checked> %s: %s</label></li>`,
				html.EscapeString(scope), html.EscapeString(scope),
				html.EscapeString(req.ScopeInfo[scope]))
		}
		io.WriteString(w, `</ul><button type="submit">Authorize</button></form>`)
	})
}

func errorPage(code int, desc string) templ.Component {
	return page(fmt.Sprintf("Error %d", code), func(w io.Writer) {
		fmt.Fprintf(w, "<h1>Error %d</h1><p>%s</p>", code, html.EscapeString(desc))
	})
}
