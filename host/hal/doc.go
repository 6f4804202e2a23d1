// Package hal defines the boundary between the host transfer core and a
// USB host controller.
//
// A [Controller] accepts transfers built by pipes in package host. Control
// and bulk transfers are synchronous from the pipe's point of view: the
// controller returns the data-stage byte count or a transport error.
// Interrupt transfers are asynchronous: the controller polls the endpoint at
// the pipe's interval and reports each completion through the transfer.
//
// Transfers come in two variants. A [SyncTransfer] carries an optional
// [SetupPacket] and is completed by its submitter. An [AsyncTransfer] carries
// a [CompletionFunc] and a cancellation flag; once [AsyncTransfer.Cancel]
// returns, its callback never runs again.
//
// Both variants own one slot of a [dma.Pool]. For control transfers the
// setup packet occupies the first [SetupPacketSize] bytes of the slot and the
// data stage follows it.
//
// Implementations in this module:
//
//   - [github.com/ardnew/usbcore/host/hal/sim]: in-process simulated controller
//   - [github.com/ardnew/usbcore/host/hal/usbfs]: Linux usbfs
package hal
