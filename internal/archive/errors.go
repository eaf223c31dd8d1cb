package archive

import "errors"

// ErrCorruptArchive marks an archive whose container structure cannot be
// trusted: unreadable tar, missing manifest or payload member, missing
// required manifest keys, or a compressed flag that contradicts the payload
// member name. Callers scanning a directory of archives skip on this error;
// callers asked to read one specific archive abort.
var ErrCorruptArchive = errors.New("corrupt backup archive")
