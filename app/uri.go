package app

import (
	"net/url"

	"github.com/dataflowrt/core/tenerr"
)

// hostPortOf extracts the host:port dial target from an app_uri of the
// form scheme://host:port/. The scheme
// itself identifies the transport/codec (e.g. "msgpack") and is not used
// for dialing here since the connection is always a plain stream; codec
// selection from the scheme is left to callers that need more than the
// bundled default.
func hostPortOf(appURI string) (string, error) {
	u, err := url.Parse(appURI)
	if err != nil {
		return "", tenerr.Wrap(tenerr.InvalidArgument, err, "parsing app_uri %q", appURI)
	}
	if u.Host == "" {
		return "", tenerr.InvalidArgumentf("app_uri %q has no host:port", appURI)
	}
	return u.Host, nil
}
