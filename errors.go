package lmsclient

import "github.com/d-kuro/lmsclient/pkg/types"

// APIError is returned by the JSON helpers when the API answers with a non-2xx status.
type APIError = types.APIError
