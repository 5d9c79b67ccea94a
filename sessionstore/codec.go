package sessionstore

import jsoniter "github.com/json-iterator/go"

// json is configured once for the whole package's hot-path blob
// encode/decode (environmentVars, terminalSize, shellHistory, process args,
// layout configuration) instead of the standard library's encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary
