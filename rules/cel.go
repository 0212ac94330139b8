// Copyright 2024 The Proxy Magic Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rules

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
)

// Rule documents express their match predicate as a
// [CEL](https://github.com/google/cel-spec) expression over the
// transaction. Available variables:
//
//	host    string            hostname the client addressed
//	port    int               port from the reconstructed URL
//	path    string            URL path
//	query   string            raw query string
//	url     string            full reconstructed URL
//	scheme  string            "http" or "https"
//	method  string            request method
//	ssl     bool              whether the client side is TLS-terminated
//	header  map(string,string) first value per request header, canonical keys
//
// For example: host.endsWith("example.org") && path.startsWith("/api").

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func matcherEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("host", cel.StringType),
			cel.Variable("port", cel.IntType),
			cel.Variable("path", cel.StringType),
			cel.Variable("query", cel.StringType),
			cel.Variable("url", cel.StringType),
			cel.Variable("scheme", cel.StringType),
			cel.Variable("method", cel.StringType),
			cel.Variable("ssl", cel.BoolType),
			cel.Variable("header", cel.MapType(cel.StringType, cel.StringType)),
			ext.Strings(),
			ext.Lists(),
			ext.Math(),
		)
	})
	return celEnv, celEnvErr
}

// compileMatch parses, checks, and compiles a match expression. The
// expression must evaluate to bool.
func compileMatch(expr string) (cel.Program, error) {
	env, err := matcherEnv()
	if err != nil {
		return nil, fmt.Errorf("setting up CEL environment: %w", err)
	}
	checked, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling match expression: %w", issues.Err())
	}
	if checked.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("match expression must return bool, not %s", checked.OutputType())
	}
	prg, err := env.Program(checked, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		return nil, fmt.Errorf("compiling match program: %w", err)
	}
	return prg, nil
}

// evalMatch evaluates a compiled match program against tx. Evaluation
// errors count as no-match; the pipeline fails open to pass-through.
func evalMatch(prg cel.Program, tx *Transaction) (bool, error) {
	if tx.URL == nil {
		return false, nil
	}

	port := 0
	if p := tx.URL.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	} else if tx.URL.Scheme == "https" {
		port = 443
	} else {
		port = 80
	}

	header := make(map[string]string, len(tx.ClientRequest.Header))
	for k, v := range tx.ClientRequest.Header {
		if len(v) > 0 {
			header[k] = v[0]
		}
	}

	out, _, err := prg.Eval(map[string]any{
		"host":   tx.URL.Hostname(),
		"port":   port,
		"path":   tx.URL.Path,
		"query":  tx.URL.RawQuery,
		"url":    tx.URL.String(),
		"scheme": tx.URL.Scheme,
		"method": tx.ClientRequest.Method,
		"ssl":    tx.IsSSL,
		"header": header,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("match expression returned %T, not bool", out.Value())
	}
	return b, nil
}
