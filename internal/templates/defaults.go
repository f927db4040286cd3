package templates

// Default returns the catalog of approved coaching prompts.
func Default() *Catalog {
	c, err := NewCatalog(defaultTemplates, nil)
	if err != nil {
		panic(err)
	}
	return c
}

var defaultTemplates = []Template{
	{Name: "celebration_message_6", SemanticType: "celebration", Content: "🎉 What are we celebrating today?"},
	{Name: "celebration_message_7", SemanticType: "celebration", Content: "✨ What are you grateful for?"},
	{Name: "celebration_message_9", SemanticType: "celebration", Content: "🌟 What victory are you proud of today?"},
	{Name: "celebration_message_1", SemanticType: "celebration", Content: "🎊 What positive moment made your day?"},
	{Name: "celebration_message_8", SemanticType: "celebration", Content: "💫 What breakthrough did you experience?"},
	{Name: "celebration_message_2", SemanticType: "accountability", Content: "📝 How did you progress on your goals today?"},
	{Name: "celebration_message_3", SemanticType: "accountability", Content: "🎯 What action did you take towards your target?"},
	{Name: "celebration_message_4", SemanticType: "accountability", Content: "💪 What challenge did you overcome today?"},
	{Name: "celebration_message_5", SemanticType: "accountability", Content: "📈 How are you measuring your progress?"},
	{Name: "celebration_message_1", SemanticType: "accountability", Content: "🔥 What will you commit to tomorrow?"},
}
