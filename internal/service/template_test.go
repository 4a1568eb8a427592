package service

import (
	"testing"

	"github.com/karibucrm/campaign-engine/internal/model"
)

func TestRenderMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		customer model.Customer
		want     string
	}{
		{
			name:     "first name",
			template: "Hi {firstName}, offer inside",
			customer: model.Customer{FirstName: "Ana"},
			want:     "Hi Ana, offer inside",
		},
		{
			name:     "multiple placeholders",
			template: "{firstName} {lastName} <{email}> is {customerSegment}",
			customer: model.Customer{FirstName: "Ana", LastName: "Gomez", Email: "ana@example.com", CustomerSegment: "vip"},
			want:     "Ana Gomez <ana@example.com> is vip",
		},
		{
			name:     "unknown placeholder untouched",
			template: "Hi {firstName}, use code {promoCode}",
			customer: model.Customer{FirstName: "Ana"},
			want:     "Hi Ana, use code {promoCode}",
		},
		{
			name:     "repeated placeholder",
			template: "{firstName}, yes you, {firstName}!",
			customer: model.Customer{FirstName: "Bob"},
			want:     "Bob, yes you, Bob!",
		},
		{
			name:     "no placeholders",
			template: "Flash sale today",
			customer: model.Customer{FirstName: "Ana"},
			want:     "Flash sale today",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderMessage(tt.template, tt.customer); got != tt.want {
				t.Fatalf("RenderMessage = %q, want %q", got, tt.want)
			}
		})
	}
}
