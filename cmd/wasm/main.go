//go:build js && wasm

package main

import (
	"syscall/js"

	"slopecal/pkg/gainplot"
	"slopecal/pkg/parmdb"
	"slopecal/pkg/slopecal"
)

func main() {
	js.Global().Set("renderGainPlot", js.FuncOf(renderGainPlot))
	js.Global().Set("describeParmDB", js.FuncOf(describeParmDB))
	select {} // block forever
}

func copyBytes(v js.Value) []byte {
	b := make([]byte, v.Get("length").Int())
	js.CopyBytesToGo(b, v)
	return b
}

// renderGainPlot(dbBytes, options) returns PNG bytes as a Uint8Array.
// options may set param, dir, ncol, maxPhaseDeg and title.
func renderGainPlot(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("usage: renderGainPlot(dbBytes, options)")
	}
	db, err := parmdb.LoadBytes(copyBytes(args[0]))
	if err != nil {
		return errorResult("parameter database error: " + err.Error())
	}

	param := slopecal.LabelGain
	dir := 0
	opts := gainplot.DefaultOptions()
	if len(args) >= 2 && args[1].Type() == js.TypeObject {
		o := args[1]
		if v := o.Get("param"); v.Type() == js.TypeString {
			param = v.String()
		}
		if v := o.Get("dir"); v.Type() == js.TypeNumber {
			dir = v.Int()
		}
		if v := o.Get("ncol"); v.Type() == js.TypeNumber {
			opts.NCol = v.Int()
		}
		if v := o.Get("maxPhaseDeg"); v.Type() == js.TypeNumber {
			opts.MaxPhaseDeg = v.Float()
		}
		if v := o.Get("title"); v.Type() == js.TypeString {
			opts.Title = v.String()
		}
	}

	g, err := gainplot.FromParmDB(db, param, dir)
	if err != nil {
		return errorResult("gain error: " + err.Error())
	}
	pngBytes, err := gainplot.RenderBytes(g, opts)
	if err != nil {
		return errorResult("render error: " + err.Error())
	}

	uint8Array := js.Global().Get("Uint8Array").New(len(pngBytes))
	js.CopyBytesToJS(uint8Array, pngBytes)
	return uint8Array
}

// describeParmDB(dbBytes) returns the database id, metadata and the name,
// dtype, shape and axes of every parameter.
func describeParmDB(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("usage: describeParmDB(dbBytes)")
	}
	db, err := parmdb.LoadBytes(copyBytes(args[0]))
	if err != nil {
		return errorResult("parameter database error: " + err.Error())
	}

	meta := make(map[string]interface{})
	for k, v := range db.Metadata() {
		meta[k] = v
	}

	names := db.Names()
	params := make([]interface{}, 0, len(names))
	for _, name := range names {
		desc, err := db.Desc(name)
		if err != nil {
			return errorResult(err.Error())
		}
		shape := make([]interface{}, len(desc.Shape))
		for i, n := range desc.Shape {
			shape[i] = n
		}
		axes := make([]interface{}, len(desc.AxisLabels))
		for i, a := range desc.AxisLabels {
			axes[i] = a
		}
		params = append(params, map[string]interface{}{
			"name":  name,
			"dtype": desc.DType.String(),
			"shape": shape,
			"axes":  axes,
		})
	}

	return js.ValueOf(map[string]interface{}{
		"id":       db.ID().String(),
		"created":  db.Created().Format("2006-01-02T15:04:05Z07:00"),
		"metadata": meta,
		"params":   params,
	})
}

func errorResult(msg string) interface{} {
	return js.ValueOf(map[string]interface{}{
		"error": msg,
	})
}
