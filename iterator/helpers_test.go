package iterator

import (
	"bytes"

	"github.com/INLOpen/dirindex/core"
)

type coreIter = core.IteratorInterface[[]byte]

var compare = bytes.Compare
