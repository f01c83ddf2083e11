package rules

import (
	"errors"
	"testing"

	"proxyrouter/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var samplePatterns = []interface{}{
	"*://*.example.com/*",
	"https://api.example.org/v1/*",
	"<all_urls>",
	"example.net",
	"https://bro*ken.com/*",
	"",
}

func genRule() gopter.Gen {
	return gopter.CombineGens(
		gen.Bool(),
		gen.AlphaString(),
		gen.SliceOfN(2, gen.OneConstOf(samplePatterns...)),
		gen.OneConstOf("", "/\\.(png|jpg)$/i", "/[/", "/x/q"),
	).Map(func(vals []interface{}) models.ProxyRule {
		match := append([]string(nil), vals[2].([]string)...)
		return models.ProxyRule{
			Active:           vals[0].(bool),
			Name:             vals[1].(string),
			Match:            match,
			ProxyID:          "p1",
			StaticExtensions: vals[3].(string),
		}
	})
}

func TestPropertyCompilePreservesOrderAndLength(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("compile keeps one runtime rule per input, in order", prop.ForAll(
		func(in []models.ProxyRule) bool {
			out := Compile(in)
			if len(out) != len(in) {
				t.Logf("length mismatch: %d vs %d", len(in), len(out))
				return false
			}
			for i := range in {
				if out[i].Name != in[i].Name || out[i].Active != in[i].Active {
					t.Logf("rule %d reordered: %q vs %q", i, in[i].Name, out[i].Name)
					return false
				}
			}
			return true
		},
		gen.SliceOf(genRule()),
	))

	properties.Property("a rule with a broken match pattern is invalid and has no compiled match", prop.ForAll(
		func(rule models.ProxyRule) bool {
			rt := CompileRule(rule)
			broken := false
			for _, p := range rule.Match {
				if p == "" || p == "https://bro*ken.com/*" {
					broken = true
				}
			}
			if broken {
				return !rt.Valid() && rt.CompiledMatch == nil
			}
			return rt.CompiledMatch != nil
		},
		genRule(),
	))

	properties.TestingRun(t)
}

func TestCompileRuleOptionalLists(t *testing.T) {
	rule := models.ProxyRule{
		Active:                true,
		Name:                  "r",
		Match:                 []string{"*://*.a.com/*"},
		BypassURLPatterns:     []string{"*://a.com/static/*"},
		ForceProxyURLPatterns: []string{"*://a.com/static/force/*"},
		StaticExtensions:      `/\.(png|css)$/i`,
	}
	rt := CompileRule(rule)
	if !rt.Valid() {
		t.Fatalf("unexpected problems: %v", rt.Problems())
	}
	if rt.CompiledBypassURLPatterns == nil || rt.CompiledForceProxyURLPatterns == nil || rt.CompiledStaticExtensions == nil {
		t.Fatal("optional lists not compiled")
	}

	rule.BypassURLPatterns = []string{"https://b*ad.com/*"}
	if rt := CompileRule(rule); rt.Valid() || rt.CompiledBypassURLPatterns != nil {
		t.Error("bad bypass list should invalidate rule")
	}

	rule.BypassURLPatterns = nil
	rule.ForceProxyURLPatterns = []string{"ftp://a*b/*"}
	if rt := CompileRule(rule); rt.Valid() {
		t.Error("bad force list should invalidate rule")
	}

	rule.ForceProxyURLPatterns = nil
	rule.StaticExtensions = "png|jpg"
	if rt := CompileRule(rule); rt.Valid() || rt.CompiledStaticExtensions != nil {
		t.Error("non-literal static extensions should invalidate rule")
	}

	if rt := CompileRule(models.ProxyRule{Name: "empty"}); rt.Valid() {
		t.Error("rule with no match patterns must be invalid")
	}
}

func TestParseStaticExtensions(t *testing.T) {
	tests := []struct {
		expr    string
		path    string
		want    bool
		wantErr bool
	}{
		{`/\.(png|jpe?g|gif)$/`, "/img/a.png", true, false},
		{`/\.(png|jpe?g|gif)$/`, "/img/a.PNG", false, false},
		{`/\.(png|jpe?g|gif)$/i`, "/img/a.PNG", true, false},
		{`/\.(png|jpe?g|gif)$/gi`, "/img/a.JPEG", true, false},
		{`/\.css$/u`, "/site.css", true, false},
		{`/static/y`, "/static/app.js", false, false},
		{`/\/static/y`, "/static/app.js", true, false},
		{`/a.b/s`, "/a\nb", true, false},
		{`/^b$/m`, "a\nb", true, false},
		{`/x/ii`, "", false, true},
		{`/x/q`, "", false, true},
		{`\.png$`, "", false, true},
		{`//`, "", false, true},
		{`/(?<=a)b/`, "", false, true},
		{`/[/`, "", false, true},
	}
	for _, tt := range tests {
		re, err := ParseStaticExtensions(tt.expr)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidStaticExtensions) {
				t.Errorf("ParseStaticExtensions(%q) error = %v, want ErrInvalidStaticExtensions", tt.expr, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStaticExtensions(%q): %v", tt.expr, err)
			continue
		}
		if got := re.MatchString(tt.path); got != tt.want {
			t.Errorf("%q on %q = %v, want %v", tt.expr, tt.path, got, tt.want)
		}
	}
}

func TestRecompileIsIdempotent(t *testing.T) {
	rule := models.ProxyRule{Active: true, Name: "r", Match: []string{"*://*.a.com/*"}, StaticExtensions: `/\.png$/`}
	a, b := CompileRule(rule), CompileRule(rule)
	for _, u := range []string{"https://a.com/x", "https://x.a.com/", "https://b.com/"} {
		if a.CompiledMatch.Match(u) != b.CompiledMatch.Match(u) {
			t.Errorf("recompiled match disagrees on %q", u)
		}
	}
	if a.CompiledStaticExtensions.String() != b.CompiledStaticExtensions.String() {
		t.Error("recompiled static extensions differ")
	}
}

func TestReportFlagsMissingProxy(t *testing.T) {
	s := models.DefaultSettings()
	s.ProxyList = []models.ProxyDescriptor{{ID: "p1", Type: models.ProxyTypeHTTP, Host: "h", Port: 1}}
	s.Rules = []models.ProxyRule{
		{Active: true, Name: "ok", Match: []string{"<all_urls>"}, ProxyID: "p1"},
		{Active: true, Name: "gone", Match: []string{"<all_urls>"}, ProxyID: "p9"},
		{Active: true, Name: "direct", Match: []string{"<all_urls>"}, ProxyID: models.DirectProxyID},
		{Active: true, Name: "broken", Match: []string{"https://x*y.com/"}, ProxyID: "p1"},
	}
	report := CompileSettings(s).Report()
	if len(report) != 4 {
		t.Fatalf("report length = %d", len(report))
	}
	if report[0].MissingProxy || !report[0].Valid {
		t.Errorf("ok rule flagged: %+v", report[0])
	}
	if !report[1].MissingProxy {
		t.Errorf("dangling proxy not flagged: %+v", report[1])
	}
	if report[2].MissingProxy {
		t.Errorf("direct rule flagged as missing proxy")
	}
	if report[3].Valid || len(report[3].Problems) == 0 {
		t.Errorf("broken rule not flagged: %+v", report[3])
	}
}
