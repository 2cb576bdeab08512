package server

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"rpcz/codec"
	"rpcz/message"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// newService scans the exported methods of rcvr that look like
//
//	func (s *T) Method(args *A, reply *R) error
//	func (s *T) Method(ctx context.Context, args *A, reply *R) error
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("rpcz: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rpcz: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	s := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, errors.Errorf("rpcz: %s has no exported methods of a servable shape", name)
	}
	return s, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		// In(0) is the receiver
		first := 1
		withCtx := false
		switch mt.NumIn() {
		case 3:
		case 4:
			if mt.In(1) != contextType {
				continue
			}
			first, withCtx = 2, true
		default:
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr}
	if mType.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv, replyv)
	results := mType.method.Func.Call(args)
	if err, _ := results[0].Interface().(error); err != nil {
		return err
	}
	return nil
}

// handlerFor builds the unary handler of one method: decode args, call, encode reply.
func (s *service) handlerFor(mType *methodType, cd codec.Codec) func(context.Context, *message.Envelope) ([]byte, error) {
	return func(ctx context.Context, req *message.Envelope) ([]byte, error) {
		argv := reflect.New(mType.ArgType)
		replyv := reflect.New(mType.ReplyType)
		if err := cd.Decode(req.Payload, argv.Interface()); err != nil {
			return nil, errors.Wrapf(ErrBadPayload, "%s: %v", req.FullMethod(), err)
		}
		if err := s.call(ctx, mType, argv, replyv); err != nil {
			return nil, err
		}
		return cd.Encode(replyv.Interface())
	}
}

// RegisterService registers every servable method of rcvr under its type name.
func (t *Table) RegisterService(rcvr any, cd codec.Codec) error {
	return t.RegisterServiceName("", rcvr, cd)
}

// RegisterServiceName is RegisterService with an explicit service name. Nothing is
// registered if any of the methods is already taken.
func (t *Table) RegisterServiceName(name string, rcvr any, cd codec.Codec) error {
	if cd == nil {
		return errors.New("nil codec")
	}
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}

	t.mu.RLock()
	for m := range svc.method {
		if _, ok := t.methods[svc.name][m]; ok {
			t.mu.RUnlock()
			return errors.Wrapf(ErrDuplicateMethod, "%s.%s", svc.name, m)
		}
	}
	t.mu.RUnlock()

	for m, mType := range svc.method {
		if err := t.RegisterUnary(svc.name, m, svc.handlerFor(mType, cd)); err != nil {
			return err
		}
	}
	return nil
}
