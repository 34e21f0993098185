// Provides platform-appropriate paths for the tool.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS and Windows. The tool name "kiln" is used as the subdirectory
// under each base path. Layer cache entries and their index live under the
// cache home, tagged images under the data home, and host-engine workspaces
// under the runtime directory.
package paths
