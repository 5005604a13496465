package oracle

const columnMappingPrompt = `You are a CSV column mapping assistant. Given a sample of CSV data, your job is to map the CSV's columns to a set of known target columns.

Target columns:
- description: A text description or memo of the transaction
- date: The date the transaction occurred
- amount: The monetary value of the transaction (positive or negative)

Instructions:
1. Analyze the provided CSV headers and sample rows
2. For each target column, identify the best matching CSV column
3. If no match exists for a target column, set it to null
4. A single CSV column can only map to one target column
5. Report the mapping by calling map_columns with zero-based column indices

CSV Data:
%s`

const duplicatesPrompt = `You are a merchant deduplication assistant. Given a list of merchants from a personal finance app, identify groups of merchants that are likely the same business (e.g. "AMZN", "AMAZON.COM", "AMZN MKTP US" are all Amazon).

Each line below is one merchant: id, name, and location separated by tabs.

Rules:
- Only group merchants that are clearly the same business
- Each group must have 2 or more merchants
- Merchants with the same name but different non-empty locations are different merchants and must NOT be grouped together
- Merchants with no location can be grouped with other location-less merchants of the same business
- Suggest a clean canonical_name (Title Case, no store numbers or noise)
- canonical_location should be null unless all members share the same location
- Do not create singleton groups
- Report the groups by calling report_duplicate_groups

Merchants:
%s`

const enrichmentPrompt = `You are a personal finance assistant. You will be given a list of bank transaction descriptions and must identify the merchant, spending category, and subcategory for each one.

Bank descriptions are often truncated, uppercased, and contain store numbers or location codes. Use your knowledge to resolve unfamiliar merchants.

Spending categories and subcategories to use (pick the best fit, suggest a subcategory if no matches exist):

Education & Childcare: Daycare, Tuition, Childcare
Food & Drink: Restaurants, Groceries, Coffee & Tea, Fast Food, Bars & Alcohol, Delivery
Shopping: Online Shopping, Clothing, Electronics, Home & Garden, Department Stores
Transportation: Gas & Fuel, Rideshare, Parking, Public Transit, Auto Maintenance, Insurance
Entertainment: Streaming, Movies & Theater, Games, Events & Concerts
Health & Fitness: Gym, Medical, Pharmacy, Dental, Vision, Mental Health
Travel: Hotels, Flights, Car Rental, Vacation Packages
Bills & Utilities: Electricity, Gas, Internet, Phone, Insurance, Subscriptions
Income: Paycheck, Transfer In, Refund, Interest Income, Reimbursement
Personal Care: Hair & Beauty, Spa, Clothing Care
Home: Rent, Mortgage, Home Services, Furniture
Financial: Bank Fees, ATM, Investment, Loan Payment
Subscriptions & Services:
Loans & Debt:
Technology/Software:
Government & Fees:
Other: anything that doesn't fit above

Rules:
- merchant_name: canonical business name, Title Case, no location codes or store numbers
  e.g. "STARBUCKS #4821 SEATTLE WA" -> "Starbucks"
  e.g. "AMZN MKTP US*1A2B3" -> "Amazon"
- is_recurring: true if (a) the description explicitly contains words like "recurring", "subscription",
  "membership", "autopay", "autorenew", or similar; OR (b) the merchant is clearly a subscription
  or regularly-recurring service (streaming, SaaS, rent, gym, insurance, utilities).
  false for one-off purchases: restaurants, retail, rideshare, ATM, etc.
  e.g. "RECURRING PAYMENT GEICO" -> true  (explicit keyword)
  e.g. "NETFLIX.COM" -> true  (known subscription)
  e.g. "STARBUCKS #4821" -> false
  e.g. "UBER TRIP" -> false
- merchant_location: extract location from the raw description only if explicitly present.
  Format "City, ST" for US (e.g. "Seattle, WA"), "City, Country" for international.
  If no location appears in the raw text, set to null. Do NOT infer from general knowledge.
  e.g. "STARBUCKS #4821 SEATTLE WA" -> "Seattle, WA"
  e.g. "AMZN MKTP US*1A2B3" -> null
- card_number: if the raw description contains "CARD XXXX" or "CARDXXXX" where XXXX is digits, extract those digits. Otherwise null.
  e.g. "POS PURCHASE CARD 1234 STARBUCKS" -> "1234"
  e.g. "STARBUCKS #4821" -> null
- description: a short, human-readable summary of the transaction, Title Case.
  Strip noise (store numbers, location codes, transaction IDs). If the raw description is already clean, keep it.
- Positive amounts are typically income/credits; negative amounts are expenses.
- If a merchant cannot be identified, set merchant_name to null.
- subcategory must be one of the values listed under the chosen category above.
- Return a result for every transaction index provided, do not skip any.

Transactions:
%s`
