package irq

// ExceptionNum defines an exception number that can be passed to
// HandleException and HandleExceptionWithCode.
type ExceptionNum uint8

const (
	// DoubleFault occurs when an exception is unhandled or when an
	// exception occurs while the CPU is trying to call an exception
	// handler.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or PDT-entry is not
	// present or when a privilege and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)
)

// ExceptionHandler handles an exception that does not push an error code to
// the stack. If the handler returns, any modifications to the supplied Frame
// and/or Regs pointers are propagated back to the location where the
// exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode handles an exception that pushes an error code to
// the stack.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

var (
	exceptionHandlers         [256]ExceptionHandler
	exceptionHandlersWithCode [256]ExceptionHandlerWithCode
)

// HandleException registers an exception handler (without an error code) for
// the given exception number. The registry is consulted by the arch-specific
// trap dispatcher installed during boot.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler) {
	exceptionHandlers[exceptionNum] = handler
}

// HandleExceptionWithCode registers an exception handler (with an error
// code) for the given exception number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode) {
	exceptionHandlersWithCode[exceptionNum] = handler
}

// Dispatch invokes the handler registered for exceptionNum, if any. It is
// called by the low-level trap entry stub installed by the boot layer.
func Dispatch(exceptionNum ExceptionNum, frame *Frame, regs *Regs) {
	if h := exceptionHandlers[exceptionNum]; h != nil {
		h(frame, regs)
	}
}

// DispatchWithCode is the Dispatch counterpart for exceptions that carry an
// error code on the stack.
func DispatchWithCode(exceptionNum ExceptionNum, code uint64, frame *Frame, regs *Regs) {
	if h := exceptionHandlersWithCode[exceptionNum]; h != nil {
		h(code, frame, regs)
	}
}
