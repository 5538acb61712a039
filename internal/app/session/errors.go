package session

import (
	"errors"

	"github.com/eagleeye/liveview/internal/core"
)

var errICEFailed = &core.NetworkError{Op: "ice", Err: errors.New("connection failed")}
