package intake

import "errors"

var ErrMissingProduct = errors.New("productId is required")
