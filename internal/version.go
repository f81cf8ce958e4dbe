package internal

// Version is reported by /api/health and `geochat -version`.
// Release builds override it with -ldflags "-X github.com/saurav-co-de/chart/internal.Version=...".
var Version = "0.1.0"
