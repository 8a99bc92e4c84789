package bus

import (
	"context"
	"fmt"
	"reflect"

	"sessionbus/pkg/message"
)

// HandleCommand registers fn for the kind of C.
func HandleCommand[C message.Command](r Registrar, fn func(ctx context.Context, cmd C) (message.CommandResult, error)) error {
	if fn == nil {
		return fmt.Errorf("%w: nil typed command handler", ErrInvalidHandler)
	}

	return r.RegisterCommandHandler(kindOf[C](), func(ctx context.Context, cmd message.Command) (message.CommandResult, error) {
		typed, ok := cmd.(C)
		if !ok {
			return message.CommandResult{}, fmt.Errorf("%w: got %T", ErrUnexpectedMessage, cmd)
		}
		return fn(ctx, typed)
	})
}

// HandleEvent registers fn for the kind of E.
func HandleEvent[E message.Event](r Registrar, fn func(ctx context.Context, evt E) error) error {
	if fn == nil {
		return fmt.Errorf("%w: nil typed event handler", ErrInvalidHandler)
	}

	return r.RegisterEventHandler(kindOf[E](), func(ctx context.Context, evt message.Event) error {
		typed, ok := evt.(E)
		if !ok {
			return fmt.Errorf("%w: got %T", ErrUnexpectedMessage, evt)
		}
		return fn(ctx, typed)
	})
}

// kindOf returns the kind declared by T. Pointer types are instantiated so
// that Kind methods reading fields stay safe. Interface types have no kind.
func kindOf[T interface{ Kind() message.Kind }]() message.Kind {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return ""
	}
	if typ.Kind() == reflect.Pointer {
		return reflect.New(typ.Elem()).Interface().(T).Kind()
	}

	return zero.Kind()
}
