package api

import (
	"net"
	"net/http"
	"net/url"

	"github.com/sells-group/leadfunnel/internal/model"
)

// startRequest is the optional body of POST /api/v1/sessions. The landing
// page forwards its own URL and document.referrer; without them the request
// URL and Referer header are used.
type startRequest struct {
	LandingURL string `json:"landing_url"`
	Referrer   string `json:"referrer"`
}

// visitorFrom builds the arrival visitor from landing-page parameters and
// the browser context of r.
func visitorFrom(r *http.Request, body startRequest) model.Visitor {
	query := r.URL.Query()
	landing := body.LandingURL
	if landing != "" {
		if u, err := url.Parse(landing); err == nil {
			query = u.Query()
		}
	} else {
		landing = r.Referer()
	}

	referrer := body.Referrer
	if referrer == "" {
		referrer = r.Referer()
	}

	v := model.ParseVisitor(query)
	v.Request = model.RequestContext{
		ClientIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
		Referrer:   referrer,
		LandingURL: landing,
	}
	if c, err := r.Cookie("_fbp"); err == nil {
		v.Request.BrowserID = c.Value
	}
	return v
}

// clientIP strips the port from RemoteAddr, which chi's RealIP middleware
// has already replaced with the forwarded address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
