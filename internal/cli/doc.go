// Parses flags and dispatches the kiln commands.
//
// Global flags:
//
//	-q, --quiet       Suppress informational output.
//	-v, --verbose     Stream the output of external tools.
//	-d, --debug       Enable debug output and error stack traces.
//	-c, --config      Configuration file (default config.yaml).
//	    --cache-dir   Layer cache root ($KILN_CACHE_DIR).
//	    --data-dir    Image store root ($KILN_DATA_DIR).
//
// Flags override build-time defaults set via linker flags. After parsing,
// the shared log level is updated before the selected command runs.
package cli
