package server

import (
	"encoding/json"
	"fmt"
	"reflect"

	"relay-rpc/message"
)

// ServiceOptions names the registration metadata for an implementation.
// An empty ServiceName falls back to the receiver's type name.
type ServiceOptions struct {
	ServiceName string
	Version     string // defaults to "1.0.0"
	Group       string
}

// methodType stores the reflection metadata for one callable method.
type methodType struct {
	method   reflect.Method
	argTypes []reflect.Type
	hasValue bool // method returns a result value
	hasError bool // method's last return is error
}

// service wraps a registered implementation and maps method names to their
// reflection metadata for dynamic dispatch.
type service struct {
	name    string
	version string
	group   string
	rcvr    reflect.Value
	typ     reflect.Type
	method  map[string]*methodType
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// newService validates the receiver and scans its exported methods.
//
// Accepted method shapes (positional args of any JSON-mappable types):
//
//	func (r) Name(args...) (T, error)
//	func (r) Name(args...) error
//	func (r) Name(args...) T
func newService(rcvr any, opts ServiceOptions) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: receiver must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: receiver must point to a struct, got %s", typ.Elem().Kind())
	}

	name := opts.ServiceName
	if name == "" {
		name = typ.Elem().Name()
	}
	version := opts.Version
	if version == "" {
		version = "1.0.0"
	}

	svc := &service{
		name:    name,
		version: version,
		group:   opts.Group,
		rcvr:    reflect.ValueOf(rcvr),
		typ:     typ,
		method:  make(map[string]*methodType),
	}
	svc.scanMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("rpc: %s exposes no callable methods", name)
	}
	return svc, nil
}

func (s *service) key() string {
	return message.ServiceKey(s.name, s.version, s.group)
}

func (s *service) info(address string) message.ServiceInfo {
	return message.ServiceInfo{
		ServiceName: s.name,
		Version:     s.version,
		Group:       s.group,
		Address:     address,
		Weight:      1,
	}
}

// scanMethods registers every exported method with at most two returns; a
// method with two returns must end in error. Methods that don't fit are
// skipped.
func (s *service) scanMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type

		if mt.NumOut() > 2 {
			continue
		}
		hasError := mt.NumOut() > 0 && mt.Out(mt.NumOut()-1) == errorType
		hasValue := mt.NumOut() == 2 || (mt.NumOut() == 1 && !hasError)
		if mt.NumOut() == 2 && !hasError {
			continue
		}

		args := make([]reflect.Type, 0, mt.NumIn()-1)
		for j := 1; j < mt.NumIn(); j++ { // skip the receiver
			args = append(args, mt.In(j))
		}

		s.method[method.Name] = &methodType{
			method:   method,
			argTypes: args,
			hasValue: hasValue,
			hasError: hasError,
		}
	}
}

// call converts the positional JSON parameters to the method's argument
// types and invokes it.
func (s *service) call(mt *methodType, params []any) (any, error) {
	if len(params) != len(mt.argTypes) {
		return nil, fmt.Errorf("rpc: %s.%s expects %d parameters, got %d",
			s.name, mt.method.Name, len(mt.argTypes), len(params))
	}

	in := make([]reflect.Value, 0, len(params)+1)
	in = append(in, s.rcvr)
	for i, p := range params {
		v, err := convertParam(p, mt.argTypes[i])
		if err != nil {
			return nil, fmt.Errorf("rpc: %s.%s parameter %d: %w", s.name, mt.method.Name, i, err)
		}
		in = append(in, v)
	}

	results := mt.method.Func.Call(in)

	if mt.hasError {
		errVal := results[len(results)-1]
		if !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
	}
	if mt.hasValue {
		return results[0].Interface(), nil
	}
	return nil, nil
}

// convertParam maps a generic JSON value onto the target type via a
// marshal/unmarshal round trip, which handles numbers, strings, structs,
// slices, and maps uniformly.
func convertParam(p any, target reflect.Type) (reflect.Value, error) {
	out := reflect.New(target)
	raw, err := json.Marshal(p)
	if err != nil {
		return reflect.Value{}, err
	}
	if err := json.Unmarshal(raw, out.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return out.Elem(), nil
}
