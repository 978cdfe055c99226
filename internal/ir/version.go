package ir

// EngineVersion is reported by `formulabench --version` and as the
// service.version of exported spans.
const EngineVersion = "0.1.0"
