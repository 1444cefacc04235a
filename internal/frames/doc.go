// Package frames turns a directory the renderer writes into an ordered,
// exactly-once stream of frames.
//
// The source alternates between two phases. The drain phase lists the
// directory, sorts matching files by name and delivers each one: its full
// content goes to the sink, then the file is removed. The wait phase blocks
// on an fsnotify event and then drains again. Notifications are only a hint
// that something changed; platforms may coalesce or drop them, so every
// wake-up drains to exhaustion and a drain always runs before the first
// wait. A periodic rescan covers events lost entirely.
//
// Files are trusted to be complete and immutable once they carry the frame
// extension, and to be named so that lexical order is presentation order
// (frame_0001.png, frame_0002.png, ...).
package frames
