// Package keyserializer derives deterministic string keys from a request's
// method, URL, and (optionally) its payload, per spec.md §4.1. Two calls
// with the same method/path/query/payload always serialize to the same
// key; the default strategy additionally folds in a stable hash of the
// payload, while the rate-limit strategy deliberately ignores it so every
// call to an endpoint shares one bucket regardless of body.
package keyserializer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Func computes a cache/dedupe/rate-limit key for a call.
type Func func(method, rawURL string, payload any) string

// Default returns the strategy used by cache and dedupe policies:
// METHOD + pathname + sorted query + payload hash.
func Default(method, rawURL string, payload any) string {
	method = strings.ToUpper(method)
	pathname, query := splitURL(rawURL)

	var b strings.Builder
	b.WriteString(method)
	b.WriteString(":")
	b.WriteString(pathname)
	b.WriteString(":")
	b.WriteString(query)
	if payload != nil {
		b.WriteString(":")
		b.WriteString(hashPayload(payload))
	}
	return b.String()
}

// RateLimitKey returns the strategy used to group calls into a rate-limit
// bucket: METHOD + pathname only, ignoring query and payload, per spec.md
// §4.5 ("default: METHOD:pathname").
func RateLimitKey(method, rawURL string, _ any) string {
	method = strings.ToUpper(method)
	pathname, _ := splitURL(rawURL)
	return method + ":" + pathname
}

func splitURL(rawURL string) (pathname, sortedQuery string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		// Unparsable values still need a stable key; fall back to the raw
		// string rather than throwing, per spec.md §4.1's "never throws".
		return rawURL, ""
	}

	pathname = u.Path
	values := u.Query()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		parts = append(parts, k+"="+strings.Join(vs, ","))
	}
	return pathname, strings.Join(parts, "&")
}

// hashPayload stable-stringifies payload (sorted object keys, special cases
// for time.Time/regexp/maps/sets/functions/cycles) and returns its sha256
// hex digest, matching spec.md's "stable sentinel for cycles, never throws".
func hashPayload(payload any) string {
	seen := make(map[uintptr]bool)
	s := stableStringify(reflect.ValueOf(payload), seen)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

var regexType = reflect.TypeOf(regexp.MustCompile(""))
var timeType = reflect.TypeOf(time.Time{})

func stableStringify(v reflect.Value, seen map[uintptr]bool) string {
	if !v.IsValid() {
		return "null"
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return "null"
		}
		if v.Kind() == reflect.Ptr {
			ptr := v.Pointer()
			if seen[ptr] {
				return `"[Circular]"`
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		if v.Type() == regexType || v.Type().ConvertibleTo(regexType) {
			return fmt.Sprintf("%q", v.Interface())
		}
		return stableStringify(v.Elem(), seen)

	case reflect.Struct:
		if v.Type() == timeType {
			t := v.Interface().(time.Time)
			return fmt.Sprintf("%q", t.UTC().Format(time.RFC3339Nano))
		}
		t := v.Type()
		type kv struct{ k, v string }
		items := make([]kv, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			items = append(items, kv{f.Name, stableStringify(v.Field(i), seen)})
		}
		sort.Slice(items, func(i, j int) bool { return items[i].k < items[j].k })
		var b strings.Builder
		b.WriteString("{")
		for i, it := range items {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(fmt.Sprintf("%q:%s", it.k, it.v))
		}
		b.WriteString("}")
		return b.String()

	case reflect.Map:
		type kv struct{ k, v string }
		items := make([]kv, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			items = append(items, kv{
				k: fmt.Sprintf("%v", iter.Key().Interface()),
				v: stableStringify(iter.Value(), seen),
			})
		}
		sort.Slice(items, func(i, j int) bool { return items[i].k < items[j].k })
		var b strings.Builder
		b.WriteString("{")
		for i, it := range items {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(fmt.Sprintf("%q:%s", it.k, it.v))
		}
		b.WriteString("}")
		return b.String()

	case reflect.Slice, reflect.Array:
		var b strings.Builder
		b.WriteString("[")
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(stableStringify(v.Index(i), seen))
		}
		b.WriteString("]")
		return b.String()

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("%q", fmt.Sprintf("[%s]", v.Kind()))

	case reflect.String:
		return fmt.Sprintf("%q", v.String())

	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}
