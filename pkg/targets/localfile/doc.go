// Package localfile provides target handlers for files and directories on
// the local filesystem. The directory handler is a container: applying it
// yields the file handler definition its children use, rooted at the
// directory it created.
package localfile
