package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const collect = `google.*collect\?v=2`

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		url  string
		body string
		want string
	}{
		{"no body", "https://x.test/g/collect?v=2&tid=G-1", "", "https://x.test/g/collect?v=2&tid=G-1"},
		{"body lines", "https://x.test/g/collect?v=2", "en=page_view\r\nen=scroll\nen=click", "https://x.test/g/collect?v=2&en=page_view&en=scroll&en=click"},
		{"collapse separators", "https://x.test/a?b=1&", "\n\nc=2\n", "https://x.test/a?b=1&c=2"},
		{"bare url", "https://x.test/a", "", "https://x.test/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Flatten(tt.url, tt.body))
		})
	}
}

func TestFields_RepeatedKeys(t *testing.T) {
	ev := Observe(Raw{
		Direction: Request,
		URL:       "https://region1.google-analytics.com/g/collect?v=2&tid=G-8EEVZD2KXM",
		Body:      "en=page_view&_et=12\nen=user_engagement&_et=10500",
	})

	assert.Equal(t, []string{"page_view", "user_engagement"}, ev.Names())
	assert.Equal(t, []string{"12", "10500"}, ev.Fields["_et"])
	assert.Equal(t, "G-8EEVZD2KXM", ev.Fields.Get("tid"))
	assert.False(t, ev.Time.IsZero())
}

func TestFields_Unescapes(t *testing.T) {
	fields := Fields("https://x.test/p?dl=https%3A%2F%2Fshop.test%2Fhome.html&bad=%zz")
	assert.Equal(t, "https://shop.test/home.html", fields.Get("dl"))
	assert.Equal(t, "%zz", fields.Get("bad"))
}

func TestPattern_Match(t *testing.T) {
	pageView := MustPattern("page_view", Response, collect, map[string]string{
		"tid": "^G-8EEVZD2KXM$",
		"en":  "^page_view$",
	})

	inQuery := Observe(Raw{Direction: Response, URL: "https://www.google-analytics.com/g/collect?v=2&tid=G-8EEVZD2KXM&en=page_view"})
	inBody := Observe(Raw{Direction: Response, URL: "https://www.google-analytics.com/g/collect?v=2&tid=G-8EEVZD2KXM", Body: "en=scroll\nen=page_view"})
	otherID := Observe(Raw{Direction: Response, URL: "https://www.google-analytics.com/g/collect?v=2&tid=G-4Z970YCHQZ&en=page_view"})
	wrongDir := Observe(Raw{Direction: Request, URL: inQuery.URL})
	otherHost := Observe(Raw{Direction: Response, URL: "https://shop.test/collect?v=1&tid=G-8EEVZD2KXM&en=page_view"})

	assert.True(t, pageView.Match(inQuery))
	assert.True(t, pageView.Match(inBody), "parameter may come from the body")
	assert.False(t, pageView.Match(otherID))
	assert.False(t, pageView.Match(wrongDir))
	assert.False(t, pageView.Match(otherHost))
}

func TestPattern_PresenceOnly(t *testing.T) {
	p := MustPattern("", Request, collect, map[string]string{"_et": ""})
	assert.True(t, p.Match(Observe(Raw{Direction: Request, URL: "https://google.com/g/collect?v=2&_et=1"})))
	assert.False(t, p.Match(Observe(Raw{Direction: Request, URL: "https://google.com/g/collect?v=2&en=x"})))
	assert.Equal(t, `request google.*collect\?v=2 _et`, p.String())
}

func TestNewPattern_InvalidExpression(t *testing.T) {
	_, err := NewPattern("bad", Request, "(", nil)
	require.Error(t, err)

	_, err = NewPattern("bad", Request, ".*", map[string]string{"en": "["})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "param en")
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("Response")
	require.NoError(t, err)
	assert.Equal(t, Response, d)

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}
