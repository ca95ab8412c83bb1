package filter

import (
	"strings"

	"github.com/emersion/go-vcard"
)

func matchCardProp(card vcard.Card, f *PropFilter) bool {
	var fields []*vcard.Field
	for name, fs := range card {
		if strings.EqualFold(name, f.Name) {
			fields = append(fields, fs...)
		}
	}
	if f.IsNotDefined {
		return len(fields) == 0
	}
	if len(fields) == 0 {
		return false
	}
	if f.TextMatch != nil {
		any := false
		for _, field := range fields {
			if textMatches(f.TextMatch, field.Value) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for i := range f.ParamFilters {
		if !matchCardParam(fields, &f.ParamFilters[i]) {
			return false
		}
	}
	return true
}

func matchCardParam(fields []*vcard.Field, f *ParamFilter) bool {
	var values []string
	for _, field := range fields {
		for name, vs := range field.Params {
			if strings.EqualFold(name, f.Name) {
				values = append(values, vs...)
			}
		}
	}
	if f.IsNotDefined {
		return len(values) == 0
	}
	if len(values) == 0 {
		return false
	}
	if f.TextMatch != nil {
		for _, v := range values {
			if textMatches(f.TextMatch, v) {
				return true
			}
		}
		return false
	}
	return true
}
