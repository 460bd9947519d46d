package config

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/codefionn/tuner/tuner-srv/proxyerr"
)

// decodeHCL turns top-level HCL attributes into the same generic map the
// JSON decoder produces, so both formats share one set of parsers.
//
//	listen-address = "127.0.0.1:8080"
//	upstream       = ["socks5://127.0.0.1:1080"]
//	rules = [
//	  { patterns = ["//example.com"], cors = true },
//	]
func decodeHCL(filename string, content []byte) (map[string]any, error) {
	file, diags := hclsyntax.ParseConfig(content, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, proxyerr.New(proxyerr.ErrCodeConfigFormat, "failed to parse HCL config", diags)
	}
	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, proxyerr.New(proxyerr.ErrCodeConfigFormat, "HCL config may only contain attributes", diags)
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, proxyerr.New(proxyerr.ErrCodeConfigFormat, "failed to evaluate "+name, diags)
		}
		raw, err := ctyjson.Marshal(val, val.Type())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		data[name] = v
	}
	return data, nil
}
