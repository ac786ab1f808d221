package bridge

/*
Static errors for ease of use and consistency.

HErrs are errors wrapped in the tidings of Huma such that they carry the dispatcher state in the header and a status code for Huma to respond with.
*/

import (
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rflandau/qmp/qmp/dispatch"
)

//#region Errors

// ErrEndpointRegistration is returned by Start when the admin endpoint could not be exposed.
// The channel has been released by the time it is returned.
var ErrEndpointRegistration = errors.New("failed to register the admin endpoint")

//#endregion Errors

//#region Huma Errors (with Hdrs)

const hdrState string = "Bridge-State"

// The dispatcher does not hold a channel, so nothing can be forwarded.
func HErrNotReady(st dispatch.State) error {
	return huma.ErrorWithHeaders(
		huma.Error503ServiceUnavailable("bridge is not ready to forward messages (state "+st.String()+")"),
		http.Header{
			hdrState: {st.String()},
		})
}

//#endregion Huma Errors (with Hdrs)
