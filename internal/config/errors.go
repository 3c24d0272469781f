package config

import "github.com/corvidai/corvid-core/internal/corerr"

var errConfigInvalid = corerr.ConfigInvalid
