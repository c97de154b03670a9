package dcmrelay

// Version is reported by the admin API and the CLI.
const Version = "v0.1.0"
