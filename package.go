// Package asyncio provides asynchronous file I/O with completion
// queues. Applications submit whole-buffer reads, writes and closes
// against open files and later collect the results from a queue they
// poll or wait on, from any goroutine.
//
// Key components:
//
//   - Engine: Owns the execution backend, selected once at New. The
//     kernel-assisted backends (io_uring on Linux, the I/O ring on
//     Windows) are used when the running system supports them;
//     otherwise the engine falls back to a portable worker pool that
//     performs synchronous I/O off the calling goroutine.
//
//   - File: An open file enrolled in the engine. Read, Write and Close
//     return as soon as the request is queued. A close waits until
//     every outstanding request against the file has been retrieved,
//     and the file is torn down when its close is retrieved.
//
//   - Queue: The completion hub. Poll never blocks, Wait blocks up to a
//     timeout, Signal wakes blocked waiters, and Destroy drains every
//     task still in flight.
//
//   - Task/Outcome: Task is the handle for one in-flight request and
//     can be passed to Queue.Cancel. Outcome is what the queue hands
//     back once the request has finished.
//
//   - LoadFile: Reads a whole file into a freshly allocated buffer and
//     closes it without reporting the close.
package asyncio
