// Package errchain renders an error's full Unwrap chain for diagnostics,
// used by the orchestrator's "diag" CLI subcommand.
package errchain

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/davecgh/go-spew/spew"
)

// Layer is one step of an unwrapped error chain.
type Layer struct {
	Depth int
	Type  string
	Msg   string
}

// Walk returns every layer of err's Unwrap chain, outermost first.
func Walk(err error) []Layer {
	var layers []Layer
	for i, e := 0, err; e != nil; i, e = i+1, errors.Unwrap(e) {
		layers = append(layers, Layer{Depth: i, Type: fmt.Sprintf("%T", e), Msg: e.Error()})
	}
	return layers
}

// Print writes each layer of err's chain to stdout, one line per layer.
func Print(err error) {
	if err == nil {
		fmt.Println("<nil>")
		return
	}
	for _, l := range Walk(err) {
		fmt.Printf("[%d] %s: %s\n", l.Depth, l.Type, l.Msg)
	}
}

// PrintDebug is Print plus a spew struct dump and common-interface probes
// for each layer, for use by `orchestrator diag`.
func PrintDebug(err error) {
	for i := 0; err != nil; err = errors.Unwrap(err) {
		fmt.Printf("[%d] %T\n", i, err)
		fmt.Printf("   Error(): %v\n", err)

		spew.Dump(err)

		rv := reflect.ValueOf(err)
		rt := reflect.TypeOf(err)
		if rt.Kind() == reflect.Ptr {
			rv = rv.Elem()
			rt = rt.Elem()
		}
		if rt.Kind() == reflect.Struct {
			for j := 0; j < rt.NumField(); j++ {
				f := rt.Field(j)
				v := rv.Field(j)
				if v.CanInterface() {
					fmt.Printf("   Field %s (%s): %+v\n", f.Name, f.Type, v.Interface())
				}
			}
		}

		if u, ok := err.(interface{ Unwrap() error }); ok {
			fmt.Printf("   Has Unwrap(): %T\n", u.Unwrap())
		}

		i++
	}
}
