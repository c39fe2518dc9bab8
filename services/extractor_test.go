package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := NewExtractor(loadTestRules(t))
	require.NoError(t, err)
	return e
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name     string
		category int
		title    string
		want     map[string]string
	}{
		{"iphone pro", 1, "아이폰 13 프로 256GB 시에라블루",
			map[string]string{"model": "iPhone 13 Pro", "storage": "256", "color": "Sierra Blue"}},
		{"iphone pro max english", 1, "iPhone 14 Pro Max 1TB deep purple",
			map[string]string{"model": "iPhone 14 Pro Max", "storage": "1024", "color": "Deep Purple"}},
		{"iphone base", 1, "아이폰13 128기가 미드나이트",
			map[string]string{"model": "iPhone 13", "storage": "128", "color": "Midnight"}},
		{"macbook", 3, "맥북 프로 14인치 M1 Pro 16GB 512GB 스페이스그레이",
			map[string]string{"model": "MacBook Pro", "chip": "M1 Pro", "screen_size": "14",
				"ram": "16", "storage": "512", "color": "Space Gray"}},
		{"macbook intel", 3, "맥북에어 인텔 8GB 256GB",
			map[string]string{"model": "MacBook Air", "chip": "Intel", "ram": "8", "storage": "256"}},
		{"watch", 4, "애플워치 SE 40mm 실버 GPS",
			map[string]string{"model": "Apple Watch SE", "size": "40mm", "color": "Silver", "connectivity": "GPS"}},
		{"watch cellular titanium", 4, "애플워치 울트라 49mm 티타늄 셀룰러",
			map[string]string{"model": "Apple Watch Ultra", "size": "49mm", "material": "Titanium", "connectivity": "GPS+Cellular"}},
		{"ipad", 2, "아이패드 에어 5세대 64GB 와이파이 블루",
			map[string]string{"model": "iPad Air", "storage": "64", "cellular": "WiFi", "color": "Blue"}},
		{"airpods keep model only", 5, "에어팟 프로 2세대 화이트",
			map[string]string{"model": "AirPods Pro"}},
		{"nothing", 1, "급처분합니다", map[string]string{}},
	}
	e := newTestExtractor(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Extract(tt.category, tt.title))
		})
	}
}

func TestMergePrefersGivenAttributes(t *testing.T) {
	e := newTestExtractor(t)
	got := e.Merge(1, "아이폰 13 128GB 블랙", map[string]string{"Storage": "256GB", "color": " "})
	assert.Equal(t, map[string]string{"model": "iPhone 13", "storage": "256GB", "color": "Black"}, got)
}
