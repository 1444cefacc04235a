// Package process runs the encoder as a supervised subprocess.
//
// A Process wraps os/exec for one child:
//   - The child runs in its own process group, so signals reach any helpers
//     it spawns and a terminal Ctrl-C is not delivered to it twice
//   - Optional stdout pipe for children that stream their product (the
//     live transport stream) instead of only writing files
//   - stderr streamed line by line to a logger through a pluggable parser
//   - Exit observed exactly once; Wait may be called any number of times
//   - Graceful Stop (SIGINT, then SIGKILL after a timeout)
//
// Example:
//
//	p := process.New("encoder", []string{"ffmpeg", "-i", "in", "out.mp4"}, logger)
//	p.SetLogParser(ffmpegLogger, ffmpeg.ParseLogLevel)
//	if err := p.Start(); err != nil {
//	    return err
//	}
//	code, err := p.Wait()
package process
